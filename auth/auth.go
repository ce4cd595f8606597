// Package auth answers "may this ID token charge?" from the local
// cache, the local authorization list, or a CSMS round-trip, honouring
// offline degradation and the configured message timeout.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ocpp-core/station/corterr"
	"github.com/ocpp-core/station/db"
	"github.com/ocpp-core/station/devicemodel"
)

// Status is the authorization outcome reported to callers.
type Status string

const (
	Accepted           Status = "Accepted"
	Blocked            Status = "Blocked"
	Expired            Status = "Expired"
	Invalid            Status = "Invalid"
	ConcurrentTx       Status = "ConcurrentTx"
	NoCredit           Status = "NoCredit"
	NotAllowedTypeEVSE Status = "NotAllowedTypeEVSE"
	NotAtThisLocation  Status = "NotAtThisLocation"
	NotAtThisTime      Status = "NotAtThisTime"
	Unknown            Status = "Unknown"
)

// IdTokenInfo is the cached/returned authorization result.
type IdTokenInfo struct {
	Status        Status
	Expiry        *time.Time
	ParentIDToken *string
}

func (i IdTokenInfo) expired(now time.Time) bool {
	return i.Expiry != nil && i.Expiry.Before(now)
}

// LocalList answers lookups against the station's local authorization
// list. Stations without one configured pass nil.
type LocalList interface {
	Lookup(idToken string) (IdTokenInfo, bool)
}

// ConnectivityStatus reports whether the CSMS link is currently up, so
// Authorize can fall back to the offline rule.
type ConnectivityStatus interface {
	IsConnected() bool
}

// CSMSClient performs the Authorize CALL/CALLRESULT round-trip. Owned by
// the queue/station packages; auth only consults it.
type CSMSClient interface {
	Authorize(ctx context.Context, idToken, certificatePEM, ocspData string) (IdTokenInfo, error)
}

// Authorizer implements the algorithm end to end.
type Authorizer struct {
	dm    *devicemodel.Store
	cache *Cache
	list  LocalList
	conn  ConnectivityStatus
	csms  CSMSClient
}

func New(dm *devicemodel.Store, dbh *db.Handler, list LocalList, conn ConnectivityStatus, csms CSMSClient) *Authorizer {
	return &Authorizer{dm: dm, cache: NewCache(dm, dbh), list: list, conn: conn, csms: csms}
}

// Authorize resolves an ID token: cache first, then the local list,
// then the CSMS round-trip, bounded by the configured message timeout.
func (a *Authorizer) Authorize(ctx context.Context, idToken, certificatePEM, ocspData string) (IdTokenInfo, error) {
	now := time.Now()

	if a.dm.GetBool(devicemodel.KeyAuthCacheEnabled) && a.dm.GetBool(devicemodel.KeyLocalPreAuthorize) {
		if info, ok, err := a.cache.Get(ctx, idToken); err != nil {
			return IdTokenInfo{}, err
		} else if ok && !info.expired(now) {
			return info, nil
		}
	}

	if a.list != nil {
		if info, ok := a.list.Lookup(idToken); ok && !info.expired(now) {
			return info, nil
		}
	}

	if !a.conn.IsConnected() {
		return a.offlineFallback(), nil
	}

	timeoutMs := a.dm.GetInt(devicemodel.KeyMessageTimeout)
	if timeoutMs <= 0 {
		timeoutMs = 30_000
	}
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	info, err := a.csms.Authorize(callCtx, idToken, certificatePEM, ocspData)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, corterr.Transient) {
			log.Warn().Err(err).Msg("auth: CSMS round-trip timed out, applying offline fallback")
			return a.offlineFallback(), nil
		}
		return IdTokenInfo{}, err
	}

	if a.dm.GetBool(devicemodel.KeyAuthCacheEnabled) {
		if err := a.cache.Put(ctx, idToken, info); err != nil {
			log.Error().Err(err).Msg("auth: failed to persist auth cache entry")
		}
	}
	return info, nil
}

// offlineFallback returns Unknown unless offline
// authorization for unknown tokens is enabled, in which case the token
// is optimistically accepted.
func (a *Authorizer) offlineFallback() IdTokenInfo {
	if a.dm.GetBool(devicemodel.KeyOfflineUnknownAuth) {
		return IdTokenInfo{Status: Accepted}
	}
	return IdTokenInfo{Status: Unknown}
}

// HashToken is the cache key function for idToken values, exported so
// callers (e.g. the local list) can pre-compute cache keys.
func HashToken(idToken string) string {
	sum := sha256.Sum256([]byte(idToken))
	return hex.EncodeToString(sum[:])
}
