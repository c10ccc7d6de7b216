package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"skillchain/native/escrow"
	"skillchain/services/escrowd/api"
	"skillchain/services/escrowd/middleware"
)

const maxRequestBytes = 1 << 20

type errorBody struct {
	Code      string `json:"code"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	s.writeErrorBody(w, r, status, errorBody{Code: code, Message: message})
}

func (s *Server) writeErrorBody(w http.ResponseWriter, r *http.Request, status int, body errorBody) {
	body.RequestID = middleware.RequestIDFromContext(r.Context())
	writeJSON(w, status, map[string]errorBody{"error": body})
}

// fail maps err onto its HTTP status. Internal failures are logged and
// reported without detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := api.HTTPStatus(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
			slog.String("route", r.URL.Path),
			slog.Any("error", err))
		message = http.StatusText(status)
	}
	s.writeErrorBody(w, r, status, errorBody{
		Code:    api.ErrorCode(err),
		Reason:  api.ErrorReason(err),
		Message: message,
	})
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body required", api.ErrBadRequest)
		}
		return fmt.Errorf("%w: decode body: %v", api.ErrBadRequest, err)
	}
	return nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req api.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.svc.Create(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/escrows/"+resp.ID)
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	id, err := api.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req api.FundRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r)(s.svc.Fund(r.Context(), id, req))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, err := api.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	milestoneID, err := api.ParseMilestoneID(chi.URLParam(r, "milestoneID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r)(s.svc.Release(r.Context(), id, milestoneID))
}

func (s *Server) handleRequestCancel(w http.ResponseWriter, r *http.Request) {
	id, err := api.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r)(s.svc.RequestCancel(r.Context(), id))
}

func (s *Server) handleApproveCancel(w http.ResponseWriter, r *http.Request) {
	id, err := api.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r)(s.svc.ApproveCancel(r.Context(), id))
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := api.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req api.ResolveRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r)(s.svc.Resolve(r.Context(), id, req))
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request) func(api.StatusResponse, error) {
	return func(resp api.StatusResponse, err error) {
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := api.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view, ok, err := s.svc.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		s.fail(w, r, fmt.Errorf("%w: escrow %d", escrow.ErrEscrowNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleMilestones(w http.ResponseWriter, r *http.Request) {
	id, err := api.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.svc.Milestones(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.List(r.Context(), chi.URLParam(r, "identity"), r.URL.Query().Get("role"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.Balance(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	var req api.CreditRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.svc.Credit(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCustody(w http.ResponseWriter, r *http.Request) {
	balance, err := s.svc.CustodyBalance(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance})
}
