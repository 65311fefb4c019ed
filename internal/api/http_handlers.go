package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"bookpay/internal/models"
	"bookpay/internal/service"
	"bookpay/internal/webhook"
)

func (s *HTTPServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	evt, err := s.svc.Verifier.Verify(r.Context(), r.Header, body)
	switch {
	case errors.Is(err, webhook.ErrInvalidSignature):
		s.log.Warn().Err(err).Msg("Rejected webhook")
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	case errors.Is(err, webhook.ErrMalformedEvent):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.log.Error().Err(err).Msg("Webhook verification failed")
		writeError(w, http.StatusServiceUnavailable, "verification unavailable")
		return
	}

	// a disconnecting sender must not abort a receipt that is already underway
	ctx := context.WithoutCancel(r.Context())
	ack, out := s.svc.Webhooks.ProcessEvent(ctx, evt)
	if !ack.Recorded {
		writeError(w, http.StatusInternalServerError, "event not recorded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"event_id":  ack.EventID,
		"duplicate": ack.Duplicate,
		"outcome":   out.Outcome,
	})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.svc.DB != nil {
		if err := s.svc.DB.PingContext(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var in service.CreateBookingInput
	if !decodeBody(w, r, &in) {
		return
	}
	b, err := s.svc.Bookings.CreateBooking(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *HTTPServer) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	b, err := s.svc.Bookings.GetBooking(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type transitionRequest struct {
	Action string `json:"action"`
	// Source is the payment token for request_payment and retry_payment.
	Source string `json:"source,omitempty"`
	// ExpectedStatus guards cancel; when empty the current status is used.
	ExpectedStatus models.BookingStatus `json:"expected_status,omitempty"`
}

// handleTransition exposes the named state machine actions. Payment
// outcomes are driven by processor callbacks only.
func (s *HTTPServer) handleTransition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req transitionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ctx := r.Context()
	var (
		b   *models.Booking
		err error
	)
	switch req.Action {
	case "submit":
		b, err = s.svc.Bookings.SubmitToProvider(ctx, id)
	case "accept":
		b, err = s.svc.Bookings.Accept(ctx, id)
	case "reject":
		b, err = s.svc.Bookings.Reject(ctx, id)
	case "request_payment":
		b, err = s.svc.Bookings.RequestPayment(ctx, id, req.Source)
	case "retry_payment":
		b, err = s.svc.Bookings.RetryPayment(ctx, id, req.Source)
	case "complete":
		b, err = s.svc.Bookings.Complete(ctx, id)
	case "cancel":
		expected := req.ExpectedStatus
		if expected == "" {
			current, getErr := s.svc.Bookings.GetBooking(ctx, id)
			if getErr != nil {
				s.writeServiceError(w, getErr)
				return
			}
			expected = current.Status
		}
		b, err = s.svc.Bookings.Cancel(ctx, id, expected)
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
		return
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type refundRequest struct {
	Ratio  float64 `json:"ratio"`
	Reason string  `json:"reason,omitempty"`
}

func (s *HTTPServer) handleRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req refundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.svc.Refunds.Refund(r.Context(), id, req.Ratio, req.Reason)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *HTTPServer) handleListRefunds(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	refunds, err := s.svc.Refunds.ListRefunds(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refunds": refunds})
}

func (s *HTTPServer) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var in service.CreateGroupInput
	if !decodeBody(w, r, &in) {
		return
	}
	in.BookingID = id
	g, err := s.svc.Groups.CreateGroupBooking(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *HTTPServer) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	g, err := s.svc.Groups.GetGroup(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type inviteRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (s *HTTPServer) handleInvite(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req inviteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := s.svc.Groups.InviteParticipant(r.Context(), id, req.Name, req.Email)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *HTTPServer) handleParticipantAction(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	participantID, ok := pathID(w, r, "pid")
	if !ok {
		return
	}

	ctx := r.Context()
	var (
		g   *models.GroupBooking
		err error
	)
	switch r.PathValue("action") {
	case "accept":
		g, err = s.svc.Groups.AcceptInvitation(ctx, groupID, participantID)
	case "decline":
		g, err = s.svc.Groups.DeclineInvitation(ctx, groupID, participantID)
	case "paid":
		var req struct {
			PaymentReference string `json:"payment_reference"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		g, err = s.svc.Groups.MarkParticipantPaid(ctx, groupID, participantID, req.PaymentReference)
	case "refund":
		g, err = s.svc.Groups.RefundParticipant(ctx, groupID, participantID)
	default:
		writeError(w, http.StatusNotFound, "unknown participant action")
		return
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *HTTPServer) handleQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	providerID, err := strconv.ParseInt(q.Get("provider_id"), 10, 64)
	if err != nil || providerID <= 0 {
		writeError(w, http.StatusBadRequest, "provider_id is required")
		return
	}
	base, err := strconv.ParseInt(q.Get("base_amount_cents"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "base_amount_cents is required")
		return
	}
	guest, _ := strconv.ParseBool(strings.TrimSpace(q.Get("guest")))

	breakdown, err := s.svc.Bookings.Quote(providerID, base, guest)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
