package station

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ocpp-core/station/auth"
	"github.com/ocpp-core/station/corterr"
	"github.com/ocpp-core/station/queue"
	"github.com/ocpp-core/station/security"
	v16 "github.com/ocpp-core/station/ocpp/v16"
	v201 "github.com/ocpp-core/station/ocpp/v201"
)

// enqueueJSON marshals a payload struct and hands it to the queue.
func (s *Station) enqueueJSON(ctx context.Context, action string, payload any, kind queue.Kind, heldForLocalTxID string) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", corterr.New(corterr.KindProtocol, "marshal "+action, err)
	}
	return s.q.Enqueue(ctx, action, raw, kind, heldForLocalTxID)
}

func unmarshal(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return corterr.New(corterr.KindProtocol, "decode payload", err)
	}
	return nil
}

// call performs one outbound round-trip: enqueue, then block on the
// matched CALLRESULT/CALLERROR.
func (s *Station) call(ctx context.Context, action string, payload any, kind queue.Kind) ([]byte, error) {
	id, err := s.enqueueJSON(ctx, action, payload, kind, "")
	if err != nil {
		return nil, err
	}
	res, err := s.q.Await(ctx, id)
	if err != nil {
		return nil, err
	}
	return res.Payload, nil
}

// Authorize performs the Authorize round-trip against the CSMS and maps
// the response into the authorization block's internal form.
func (s *Station) Authorize(ctx context.Context, idToken, certificatePEM, ocspData string) (auth.IdTokenInfo, error) {
	if s.v16 {
		raw, err := s.call(ctx, v16.ActionAuthorize, v16.AuthorizeRequest{IdTag: idToken}, queue.Normal)
		if err != nil {
			return auth.IdTokenInfo{}, err
		}
		var resp v16.AuthorizeResponse
		if err := unmarshal(raw, &resp); err != nil {
			return auth.IdTokenInfo{}, err
		}
		return idTagInfoToInternal(resp.IdTagInfo), nil
	}

	req := v201.AuthorizeRequest{
		IdToken:     v201.IdToken{IdToken: idToken, Type: "ISO14443"},
		Certificate: certificatePEM,
	}
	raw, err := s.call(ctx, v201.ActionAuthorize, req, queue.Normal)
	if err != nil {
		return auth.IdTokenInfo{}, err
	}
	var resp v201.AuthorizeResponse
	if err := unmarshal(raw, &resp); err != nil {
		return auth.IdTokenInfo{}, err
	}
	return idTokenInfoToInternal(resp.IdTokenInfo), nil
}

func idTagInfoToInternal(info v16.IdTagInfo) auth.IdTokenInfo {
	out := auth.IdTokenInfo{Status: auth.Status(info.Status)}
	if info.ExpiryDate != "" {
		if t, err := time.Parse(time.RFC3339, info.ExpiryDate); err == nil {
			out.Expiry = &t
		}
	}
	if info.ParentIdTag != "" {
		p := info.ParentIdTag
		out.ParentIDToken = &p
	}
	return out
}

func idTokenInfoToInternal(info v201.IdTokenInfo) auth.IdTokenInfo {
	out := auth.IdTokenInfo{Status: auth.Status(info.Status)}
	if info.CacheExpiryDateTime != "" {
		if t, err := time.Parse(time.RFC3339, info.CacheExpiryDateTime); err == nil {
			out.Expiry = &t
		}
	}
	if info.GroupIdToken != nil {
		p := info.GroupIdToken.IdToken
		out.ParentIDToken = &p
	}
	return out
}

// RequestSignCertificate enqueues the SignCertificate CALL produced by
// the certificate-expiry timer or an explicit rotation request.
func (s *Station) RequestSignCertificate(ctx context.Context, use security.Use, csrPEM []byte) error {
	if s.v16 {
		_, err := s.enqueueJSON(ctx, v16.ActionSignCertificate, v16.SignCertificateRequest{Csr: string(csrPEM)}, queue.Normal, "")
		return err
	}
	req := v201.SignCertificateRequest{Csr: string(csrPEM), CertificateType: string(use)}
	_, err := s.enqueueJSON(ctx, v201.ActionSignCertificate, req, queue.Normal, "")
	return err
}

// sendSecurityEvent reports a SecurityEventNotification upstream.
// Fire-and-forget: a lost event is logged, never retried past the
// queue's own budget.
func (s *Station) sendSecurityEvent(name security.EventName, techInfo string) {
	req := v201.SecurityEventNotificationRequest{
		Type:      string(name),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		TechInfo:  techInfo,
	}
	action := v201.ActionSecurityEventNotification
	if s.v16 {
		action = v16.ActionSecurityEventNotification
	}
	if _, err := s.enqueueJSON(s.ctx, action, req, queue.Normal, ""); err != nil {
		log.Error().Err(err).Str("event", string(name)).Msg("station: failed to enqueue security event")
	}
}

// sendReservationStatusUpdate reports asynchronous reservation
// expiry/removal. OCPP 1.6 has no such message; the state change alone
// is advertised there via StatusNotification.
func (s *Station) sendReservationStatusUpdate(reservationID int, reason string) {
	if s.v16 {
		return
	}
	req := v201.ReservationStatusUpdateRequest{
		ReservationId:           reservationID,
		ReservationUpdateStatus: reason,
	}
	if _, err := s.enqueueJSON(s.ctx, v201.ActionReservationStatusUpdate, req, queue.Normal, ""); err != nil {
		log.Error().Err(err).Int("reservation_id", reservationID).Msg("station: failed to enqueue reservation status update")
	}
}
