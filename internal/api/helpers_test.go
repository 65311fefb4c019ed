package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bookpay/internal/config"
	"bookpay/internal/database"
	"bookpay/internal/fees"
	"bookpay/internal/service"
	"bookpay/internal/webhook"
	"bookpay/internal/worker"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

func newTestServices(t *testing.T) Services {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bookings := service.NewBookingService(db, fees.DefaultConfig(), nil, nil, &logger)
	return Services{
		DB:       db,
		Bookings: bookings,
		Refunds:  service.NewRefundService(db, bookings, nil, nil, &logger),
		Groups:   service.NewGroupService(db, nil, &logger),
		Webhooks: service.NewWebhookProcessor(db, bookings, service.WebhookConfig{
			MaxAttempts: 3,
			Retry:       worker.RetryPolicy{InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2},
		}, nil, nil, nil, &logger),
		Verifier: webhook.NewHMACVerifier(testSecret, "X-Signature"),
	}
}

func newTestServer(t *testing.T, cfg config.APIConfig) (*httptest.Server, Services) {
	t.Helper()
	svc := newTestServices(t)
	logger := zerolog.Nop()
	srv := NewHTTPServer(cfg, 0, svc, &logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, svc
}

func doJSON(t *testing.T, method, url string, body any, header http.Header) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func postWebhook(t *testing.T, baseURL string, payload []byte, signature string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, baseURL+"/webhooks/payments", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("X-Signature", signature)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func bookingBody(base int64) map[string]any {
	start := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)
	return map[string]any{
		"provider_id":         7,
		"provider_account":    "recp_7",
		"guest_name":          "Walk In",
		"guest_email":         "guest@example.com",
		"service_description": "Haircut",
		"scheduled_start":     start,
		"scheduled_end":       start.Add(time.Hour),
		"base_amount_cents":   base,
	}
}

func idOf(t *testing.T, body map[string]any) int64 {
	t.Helper()
	id, ok := body["id"].(float64)
	require.True(t, ok, "no id in %v", body)
	return int64(id)
}

func paymentPayload(eventID string, bookingID, amount int64) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":"payment.succeeded","data":{"charge_id":"chrg_%d","booking_id":%d,"amount":%d,"currency":"thb"}}`,
		eventID, bookingID, bookingID, amount))
}
