package api

import (
	"fmt"
	"net/http"
	"testing"

	"bookpay/internal/config"
	"bookpay/internal/webhook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookingPaymentAndRefundFlow(t *testing.T) {
	ts, _ := newTestServer(t, config.APIConfig{})

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/bookings", bookingBody(10000), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	id := idOf(t, body)
	customerTotal := int64(body["customer_total"].(float64))
	assert.Equal(t, customerTotal, int64(body["platform_total_revenue"].(float64))+int64(body["provider_payout"].(float64)))
	assert.Equal(t, true, body["is_guest_booking"])

	transitions := fmt.Sprintf("%s/api/v1/bookings/%d/transitions", ts.URL, id)
	for _, action := range []string{"submit", "accept"} {
		resp, body = doJSON(t, http.MethodPost, transitions, map[string]any{"action": action}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
	}
	resp, body = doJSON(t, http.MethodPost, transitions, map[string]any{"action": "request_payment", "source": "tokn_test"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "PAYMENT_PENDING", body["status"])

	payload := paymentPayload("evt_http_1", id, customerTotal)
	resp, body = postWebhook(t, ts.URL, payload, webhook.Sign(testSecret, payload))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "processed", body["outcome"])
	assert.Equal(t, false, body["duplicate"])

	// redelivery is acknowledged without reprocessing
	resp, body = postWebhook(t, ts.URL, payload, webhook.Sign(testSecret, payload))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "already_processed", body["outcome"])
	assert.Equal(t, true, body["duplicate"])

	resp, body = doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/v1/bookings/%d", ts.URL, id), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PAYMENT_SUCCEEDED", body["status"])

	refunds := fmt.Sprintf("%s/api/v1/bookings/%d/refunds", ts.URL, id)
	resp, body = doJSON(t, http.MethodPost, refunds, map[string]any{"ratio": 0.5, "reason": "customer request"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)

	resp, _ = doJSON(t, http.MethodPost, refunds, map[string]any{"ratio": 0.6}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, refunds, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["refunds"], 1)
}

func TestWebhookVerification(t *testing.T) {
	ts, _ := newTestServer(t, config.APIConfig{})
	payload := paymentPayload("evt_bad", 1, 100)

	resp, _ := postWebhook(t, ts.URL, payload, "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	garbage := []byte(`{"id":"evt_x"}`)
	resp, _ = postWebhook(t, ts.URL, garbage, webhook.Sign(testSecret, garbage))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookForUnknownBookingIsStillAcknowledged(t *testing.T) {
	ts, svc := newTestServer(t, config.APIConfig{})
	payload := paymentPayload("evt_orphan", 999, 100)

	resp, body := postWebhook(t, ts.URL, payload, webhook.Sign(testSecret, payload))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "failed", body["outcome"])

	rec, err := svc.DB.GetIdempotencyRecord(t.Context(), "evt_orphan")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempts)
}

func TestErrorMapping(t *testing.T) {
	ts, _ := newTestServer(t, config.APIConfig{})

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/bookings", bookingBody(10), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	invalid := bookingBody(10000)
	delete(invalid, "guest_email")
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/bookings", invalid, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/v1/bookings/404", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/bookings", bookingBody(10000), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	transitions := fmt.Sprintf("%s/api/v1/bookings/%d/transitions", ts.URL, idOf(t, body))

	resp, _ = doJSON(t, http.MethodPost, transitions, map[string]any{"action": "accept"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, transitions, map[string]any{"action": "teleport"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, transitions, map[string]any{"action": "cancel", "expected_status": "ACCEPTED"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPost, transitions, map[string]any{"action": "cancel"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CANCELLED", body["status"])
}

func TestQuote(t *testing.T) {
	ts, _ := newTestServer(t, config.APIConfig{})

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/quote?provider_id=1&base_amount_cents=10000&guest=true", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1000), body["guest_surcharge_cents"])
	assert.Equal(t, float64(11000), body["customer_total_cents"])

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/v1/quote?base_amount_cents=10000", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGroupEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, config.APIConfig{})

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/bookings", bookingBody(9000), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	bookingID := idOf(t, body)

	resp, body = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v1/bookings/%d/group", ts.URL, bookingID), map[string]any{
		"payment_method":   "split-equal",
		"max_participants": 3,
		"organizer_name":   "Org",
		"organizer_email":  "org@example.com",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	groupID := idOf(t, body)

	resp, body = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v1/groups/%d/participants", ts.URL, groupID),
		map[string]any{"name": "Friend", "email": "friend@example.com"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	participantID := idOf(t, body)

	resp, body = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v1/groups/%d/participants/%d/accept", ts.URL, groupID, participantID), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Len(t, body["participants"], 2)

	resp, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v1/groups/%d/participants/%d/teleport", ts.URL, groupID, participantID), nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v1/bookings/%d/group", ts.URL, bookingID), map[string]any{
		"payment_method": "split-equal", "max_participants": 2, "organizer_name": "Again",
	}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, config.APIConfig{})
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestHTTPAuthAndRateLimit(t *testing.T) {
	cfg := config.APIConfig{
		Auth: config.APIAuthConfig{
			Enabled:      true,
			HeaderAPIKey: "x-api-key",
			HeaderExtra:  "x-api-extra",
			APIKeys: []config.APIClientKey{
				{Key: "reader", Extra: "r", Permissions: []string{permReadBookings}},
				{Key: "admin", Extra: "a"},
			},
		},
		RateLimit: config.APIRateLimitConfig{RPS: 1, Burst: 2},
	}
	ts, _ := newTestServer(t, cfg)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/v1/bookings/1", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	reader := http.Header{"X-Api-Key": {"reader"}, "X-Api-Extra": {"r"}}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/bookings", bookingBody(10000), reader)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/v1/bookings/1", nil, reader)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	admin := http.Header{"X-Api-Key": {"admin"}, "X-Api-Extra": {"a"}}
	codes := []int{}
	retryAfter := ""
	for i := 0; i < 3; i++ {
		resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/v1/bookings/1", nil, admin)
		codes = append(codes, resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter = resp.Header.Get("Retry-After")
		}
	}
	assert.Contains(t, codes, http.StatusTooManyRequests)
	assert.Equal(t, "1", retryAfter)

	// health and callbacks are outside the API key scope
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequiredPermissionHTTP(t *testing.T) {
	tests := []struct {
		method, path, want string
	}{
		{http.MethodGet, "/api/v1/quote", permQuote},
		{http.MethodGet, "/api/v1/bookings/1", permReadBookings},
		{http.MethodPost, "/api/v1/bookings", permWriteBookings},
		{http.MethodPost, "/api/v1/bookings/1/refunds", permRefund},
		{http.MethodGet, "/api/v1/bookings/1/refunds", permReadBookings},
		{http.MethodPost, "/api/v1/bookings/1/group", permGroups},
		{http.MethodPost, "/api/v1/groups/1/participants", permGroups},
	}
	for _, tt := range tests {
		r, _ := http.NewRequest(tt.method, tt.path, nil)
		assert.Equal(t, tt.want, requiredPermissionHTTP(r), tt.method+" "+tt.path)
	}
}
