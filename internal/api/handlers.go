package api

import (
	"context"
	"encoding/json"
	"fmt"

	"bookpay/internal/service"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const settlementServiceName = "bookpay.settlement.v1.SettlementService"

// SettlementServer is the gRPC surface. Requests and responses are
// google.protobuf.Struct documents carrying the same fields as the JSON API.
type SettlementServer interface {
	Quote(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetBooking(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Refund(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var SettlementServiceDesc = grpc.ServiceDesc{
	ServiceName: settlementServiceName,
	HandlerType: (*SettlementServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Quote", Handler: unaryHandler("Quote", SettlementServer.Quote)},
		{MethodName: "GetBooking", Handler: unaryHandler("GetBooking", SettlementServer.GetBooking)},
		{MethodName: "Refund", Handler: unaryHandler("Refund", SettlementServer.Refund)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bookpay/settlement/v1/settlement.proto",
}

func unaryHandler(method string, call func(SettlementServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	fullMethod := "/" + settlementServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SettlementServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SettlementServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

type SettlementService struct {
	bookings *service.BookingService
	refunds  *service.RefundService
}

func NewSettlementService(bookings *service.BookingService, refunds *service.RefundService) *SettlementService {
	return &SettlementService{bookings: bookings, refunds: refunds}
}

func (s *SettlementService) Quote(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	providerID := int64(req.GetFields()["provider_id"].GetNumberValue())
	if providerID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "provider_id is required")
	}
	base := int64(req.GetFields()["base_amount_cents"].GetNumberValue())
	guest := req.GetFields()["guest"].GetBoolValue()

	breakdown, err := s.bookings.Quote(providerID, base, guest)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(breakdown)
}

func (s *SettlementService) GetBooking(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := int64(req.GetFields()["booking_id"].GetNumberValue())
	if id <= 0 {
		return nil, status.Error(codes.InvalidArgument, "booking_id is required")
	}
	b, err := s.bookings.GetBooking(ctx, id)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(b)
}

func (s *SettlementService) Refund(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := int64(req.GetFields()["booking_id"].GetNumberValue())
	if id <= 0 {
		return nil, status.Error(codes.InvalidArgument, "booking_id is required")
	}
	ratio := req.GetFields()["ratio"].GetNumberValue()
	reason := req.GetFields()["reason"].GetStringValue()

	res, err := s.refunds.Refund(ctx, id, ratio, reason)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(res)
}

func grpcError(err error) error {
	_, code, msg := errorStatus(err)
	return status.Error(code, msg)
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	return st, nil
}

var _ SettlementServer = (*SettlementService)(nil)
