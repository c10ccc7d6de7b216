package grpcapi

import (
	"errors"
	"net/http"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"skillchain/native/escrow"
	"skillchain/services/escrowd/api"
	"skillchain/services/escrowd/auth"
)

// toStatus maps service errors onto gRPC status codes. Errors outside the
// escrow taxonomy become Internal without detail.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, api.ErrBadRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, auth.ErrInsufficientScope):
		return status.Error(codes.PermissionDenied, err.Error())
	}
	var code codes.Code
	switch escrow.KindOf(err) {
	case escrow.KindNotFound:
		code = codes.NotFound
	case escrow.KindAuthorization:
		code = codes.PermissionDenied
	case escrow.KindState:
		code = codes.FailedPrecondition
	case escrow.KindAmount, escrow.KindStructural:
		code = codes.InvalidArgument
	default:
		return status.Error(codes.Internal, "internal error")
	}
	return withReason(status.New(code, err.Error()), escrow.ReasonOf(err)).Err()
}

// ErrorDomain scopes the ErrorInfo reasons attached to escrow failures.
const ErrorDomain = "escrow.skillchain"

// withReason attaches an ErrorInfo detail so clients can branch on the
// reason without parsing the message.
func withReason(st *status.Status, reason string) *status.Status {
	if reason == "" {
		return st
	}
	detailed, err := st.WithDetails(&errdetails.ErrorInfo{Reason: reason, Domain: ErrorDomain})
	if err != nil {
		return st
	}
	return detailed
}

// ReasonFromStatus extracts the escrow reason attached by the server, or "".
func ReasonFromStatus(st *status.Status) string {
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok && info.GetDomain() == ErrorDomain {
			return info.GetReason()
		}
	}
	return ""
}

// httpStatus projects a gRPC code onto the HTTP status used by the shared
// request metrics.
func httpStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition, codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
