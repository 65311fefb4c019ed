package api

import (
	"context"
	"net"
	"testing"
	"time"

	"bookpay/internal/config"
	"bookpay/internal/service"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func newTestGRPC(t *testing.T, cfg config.APIConfig) (*grpc.ClientConn, Services) {
	t.Helper()
	svc := newTestServices(t)
	lis := bufconn.Listen(1 << 20)
	logger := zerolog.Nop()

	srv, err := NewGRPCServerOn(lis, &cfg, NewSettlementService(svc.Bookings, svc.Refunds), &logger)
	require.NoError(t, err)
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, svc
}

func invoke(ctx context.Context, conn *grpc.ClientConn, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	err = conn.Invoke(ctx, "/"+settlementServiceName+"/"+method, in, out)
	return out, err
}

func TestSettlementQuote(t *testing.T) {
	conn, _ := newTestGRPC(t, config.APIConfig{})

	out, err := invoke(context.Background(), conn, "Quote", map[string]any{
		"provider_id": 3, "base_amount_cents": 10000, "guest": true,
	})
	require.NoError(t, err)
	assert.Equal(t, float64(11000), out.GetFields()["customer_total_cents"].GetNumberValue())
	assert.Equal(t, float64(2000), out.GetFields()["platform_total_revenue_cents"].GetNumberValue())

	_, err = invoke(context.Background(), conn, "Quote", map[string]any{"provider_id": 3, "base_amount_cents": 1})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestSettlementGetBookingAndRefund(t *testing.T) {
	conn, svc := newTestGRPC(t, config.APIConfig{})
	ctx := context.Background()

	_, err := invoke(ctx, conn, "GetBooking", map[string]any{"booking_id": 77})
	assert.Equal(t, codes.NotFound, status.Code(err))

	start := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	b, err := svc.Bookings.CreateBooking(ctx, service.CreateBookingInput{
		ProviderID:      7,
		GuestName:       "Walk In",
		GuestEmail:      "guest@example.com",
		ScheduledStart:  start,
		ScheduledEnd:    start.Add(time.Hour),
		BaseAmountCents: 5000,
	})
	require.NoError(t, err)

	out, err := invoke(ctx, conn, "GetBooking", map[string]any{"booking_id": b.ID})
	require.NoError(t, err)
	assert.Equal(t, "INITIATED", out.GetFields()["status"].GetStringValue())
	assert.Equal(t, float64(b.CustomerTotal), out.GetFields()["customer_total"].GetNumberValue())

	_, err = invoke(ctx, conn, "Refund", map[string]any{"booking_id": b.ID, "ratio": 0})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = invoke(ctx, conn, "Refund", map[string]any{"booking_id": b.ID, "ratio": 0.5})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestSettlementAuth(t *testing.T) {
	conn, _ := newTestGRPC(t, config.APIConfig{
		Auth: config.APIAuthConfig{
			Enabled: true,
			APIKeys: []config.APIClientKey{{Key: "k", Extra: "e", Permissions: []string{permQuote}}},
		},
	})

	_, err := invoke(context.Background(), conn, "Quote", map[string]any{"provider_id": 1, "base_amount_cents": 1000})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-api-key", "k", "x-api-extra", "e")
	_, err = invoke(ctx, conn, "Quote", map[string]any{"provider_id": 1, "base_amount_cents": 1000})
	require.NoError(t, err)

	_, err = invoke(ctx, conn, "Refund", map[string]any{"booking_id": 1, "ratio": 1})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}
