package api

import (
	"errors"
	"net/http"

	"bookpay/internal/service"

	"google.golang.org/grpc/codes"
)

// errorStatus maps a service error onto an HTTP status, a gRPC code and a
// message safe to return to the caller.
func errorStatus(err error) (int, codes.Code, string) {
	var validation *service.ValidationError
	var integrity *service.DataIntegrityError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, codes.InvalidArgument, validation.Error()
	case errors.Is(err, service.ErrBelowMinimum), errors.Is(err, service.ErrAmountTooLarge):
		return http.StatusUnprocessableEntity, codes.InvalidArgument, err.Error()
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, codes.NotFound, "not found"
	case errors.Is(err, service.ErrStaleState):
		return http.StatusConflict, codes.Aborted, err.Error()
	case errors.Is(err, service.ErrAlreadyRefunded),
		errors.Is(err, service.ErrRefundExceedsRemaining),
		errors.Is(err, service.ErrNotRefundable),
		errors.Is(err, service.ErrRefundRequired),
		errors.Is(err, service.ErrTerminalState),
		errors.Is(err, service.ErrIllegalTransition),
		errors.Is(err, service.ErrGroupExists),
		errors.Is(err, service.ErrGroupFull),
		errors.Is(err, service.ErrParticipantState):
		return http.StatusConflict, codes.FailedPrecondition, err.Error()
	case errors.As(err, &integrity):
		return http.StatusInternalServerError, codes.DataLoss, "data integrity violation"
	default:
		return http.StatusInternalServerError, codes.Internal, "internal error"
	}
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	statusCode, _, msg := errorStatus(err)
	if statusCode >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	writeError(w, statusCode, msg)
}
