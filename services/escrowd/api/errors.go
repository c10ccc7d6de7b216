package api

import (
	"errors"
	"net/http"

	"skillchain/native/escrow"
)

// HTTPStatus maps an error onto the status code the HTTP adapter returns.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, ErrBadRequest) {
		return http.StatusBadRequest
	}
	switch escrow.KindOf(err) {
	case escrow.KindNotFound:
		return http.StatusNotFound
	case escrow.KindAuthorization:
		return http.StatusForbidden
	case escrow.KindState:
		return http.StatusConflict
	case escrow.KindAmount:
		return http.StatusUnprocessableEntity
	case escrow.KindStructural:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode returns a stable machine-readable code for err.
func ErrorCode(err error) string {
	if errors.Is(err, ErrBadRequest) {
		return "bad_request"
	}
	if kind := escrow.KindOf(err); kind != escrow.KindUnknown {
		return kind.String()
	}
	return "internal"
}

// ErrorReason returns the fine-grained reason for err, telling apart errors
// that share a code (insufficient_funds and overpayment are both "amount").
// It is empty for errors without one.
func ErrorReason(err error) string {
	if errors.Is(err, ErrBadRequest) {
		return ""
	}
	return escrow.ReasonOf(err)
}
