package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocpp-core/station/corterr"
	"github.com/ocpp-core/station/db"
	"github.com/ocpp-core/station/devicemodel"
)

type fakeConn struct{ connected bool }

func (f fakeConn) IsConnected() bool { return f.connected }

type fakeCSMS struct {
	calls int
	info  IdTokenInfo
	err   error
}

func (f *fakeCSMS) Authorize(ctx context.Context, idToken, cert, ocsp string) (IdTokenInfo, error) {
	f.calls++
	return f.info, f.err
}

func newTestAuthorizer(t *testing.T, conn ConnectivityStatus, csms CSMSClient) (*Authorizer, *devicemodel.Store) {
	t.Helper()
	dir := t.TempDir()
	h, err := db.Open(filepath.Join(dir, "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	dm := devicemodel.New()
	dm.Register(devicemodel.Definition{Key: devicemodel.KeyAuthCacheEnabled, Kind: devicemodel.KindBool, Default: true})
	dm.Register(devicemodel.Definition{Key: devicemodel.KeyLocalPreAuthorize, Kind: devicemodel.KindBool, Default: true})
	dm.Register(devicemodel.Definition{Key: devicemodel.KeyOfflineUnknownAuth, Kind: devicemodel.KindBool, Default: false})
	dm.Register(devicemodel.Definition{Key: devicemodel.KeyMessageTimeout, Kind: devicemodel.KindInt, Default: 5000})

	return New(dm, h, nil, conn, csms), dm
}

// TestAuthorizeCacheHitOffline: a cache hit
// while offline returns Accepted without any outbound CALL.
func TestAuthorizeCacheHitOffline(t *testing.T) {
	csms := &fakeCSMS{}
	a, _ := newTestAuthorizer(t, fakeConn{connected: false}, csms)

	expiry := time.Now().Add(time.Hour)
	require.NoError(t, a.cache.Put(context.Background(), "ABCD", IdTokenInfo{Status: Accepted, Expiry: &expiry}))

	info, err := a.Authorize(context.Background(), "ABCD", "", "")
	require.NoError(t, err)
	require.Equal(t, Accepted, info.Status)
	require.Equal(t, 0, csms.calls)
}

func TestAuthorizeOfflineUnknownToken(t *testing.T) {
	csms := &fakeCSMS{}
	a, dm := newTestAuthorizer(t, fakeConn{connected: false}, csms)

	info, err := a.Authorize(context.Background(), "NEWTOKEN", "", "")
	require.NoError(t, err)
	require.Equal(t, Unknown, info.Status)
	require.Equal(t, 0, csms.calls)

	dm.Restore(devicemodel.KeyOfflineUnknownAuth, true)
	info, err = a.Authorize(context.Background(), "NEWTOKEN", "", "")
	require.NoError(t, err)
	require.Equal(t, Accepted, info.Status)
}

func TestAuthorizeOnlineRoundTripCaches(t *testing.T) {
	csms := &fakeCSMS{info: IdTokenInfo{Status: Accepted}}
	a, _ := newTestAuthorizer(t, fakeConn{connected: true}, csms)

	info, err := a.Authorize(context.Background(), "XYZ", "", "")
	require.NoError(t, err)
	require.Equal(t, Accepted, info.Status)
	require.Equal(t, 1, csms.calls)

	// Second call hits the cache, no further CSMS round-trip.
	info, err = a.Authorize(context.Background(), "XYZ", "", "")
	require.NoError(t, err)
	require.Equal(t, Accepted, info.Status)
	require.Equal(t, 1, csms.calls)
}

func TestAuthorizeTimeoutFallsBackOffline(t *testing.T) {
	csms := &fakeCSMS{err: corterr.New(corterr.KindTransient, "timed out", errors.New("deadline"))}
	a, _ := newTestAuthorizer(t, fakeConn{connected: true}, csms)

	info, err := a.Authorize(context.Background(), "SLOW", "", "")
	require.NoError(t, err)
	require.Equal(t, Unknown, info.Status)
}

// TestCacheLRUBound: after inserts
// exceeding AuthCacheStorage, total size stays under budget and the
// evicted set is a prefix of least-recently-used entries.
func TestCacheLRUBound(t *testing.T) {
	dir := t.TempDir()
	h, err := db.Open(filepath.Join(dir, "test.sqlite"))
	require.NoError(t, err)
	defer h.Close()

	dm := devicemodel.New()
	dm.Register(devicemodel.Definition{Key: devicemodel.KeyAuthCacheStorage, Kind: devicemodel.KindInt, Default: 300})
	cache := NewCache(dm, h)

	ctx := context.Background()
	tokens := []string{"t0", "t1", "t2", "t3", "t4", "t5"}
	for _, tok := range tokens {
		require.NoError(t, cache.Put(ctx, tok, IdTokenInfo{Status: Accepted}))
		time.Sleep(time.Millisecond) // force distinct last-access ordering
	}

	total, err := h.AuthCacheTotalSizeBytes(ctx)
	require.NoError(t, err)
	require.LessOrEqual(t, total, int64(300))

	// The earliest-inserted tokens must be the ones evicted.
	_, ok, err := h.GetAuthCache(ctx, HashToken("t0"))
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = h.GetAuthCache(ctx, HashToken("t5"))
	require.NoError(t, err)
	require.True(t, ok)
}
