// Package api exposes the work order operations over HTTP.
//
// The caller's tenant comes from the X-Selene-Tenant header and its
// credential from a bearer Authorization header. Neither is ever written to
// the ledger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/executor"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/reason"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/workorder"
)

// TenantHeader carries the caller's tenant.
const TenantHeader = "X-Selene-Tenant"

const maxBodyBytes = 1 << 20

// Orders is the part of *executor.Executor the API serves.
type Orders interface {
	Submit(ctx context.Context, req executor.SubmitRequest) (workorder.WorkOrder, error)
	SupplyFields(ctx context.Context, tenantID, id string, fields map[string]any, sig executor.Signals) (workorder.WorkOrder, error)
	Confirm(ctx context.Context, tenantID, id, stepID string, accept bool, sig executor.Signals) (workorder.WorkOrder, error)
	Get(ctx context.Context, tenantID, id string) (workorder.WorkOrder, error)
}

// SignalsBody is the classifier output that accompanies a request.
type SignalsBody struct {
	InputAccepted *bool       `json:"input_accepted"`
	InputReason   reason.Code `json:"input_reason,omitempty"`
	Confidence    float64     `json:"confidence"`
}

type submitBody struct {
	ProcessID     string         `json:"process_id"`
	RequestID     string         `json:"request_id"`
	CorrelationID string         `json:"correlation_id"`
	EntityKey     string         `json:"entity_key"`
	Fields        map[string]any `json:"fields"`
	Signals       SignalsBody    `json:"signals"`
}

type fieldsBody struct {
	Fields  map[string]any `json:"fields"`
	Signals SignalsBody    `json:"signals"`
}

type confirmBody struct {
	StepID  string      `json:"step_id"`
	Accept  bool        `json:"accept"`
	Signals SignalsBody `json:"signals"`
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error      string      `json:"error"`
	ReasonCode reason.Code `json:"reason_code,omitempty"`
}

type server struct {
	orders Orders
	logger *slog.Logger
}

// NewHandler mounts the work order routes.
func NewHandler(orders Orders, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{orders: orders, logger: logger.With("component", "api")}
	r := chi.NewRouter()
	r.Route("/v1/workorders", func(r chi.Router) {
		r.Post("/", s.submit)
		r.Get("/{id}", s.get)
		r.Post("/{id}/fields", s.supply)
		r.Post("/{id}/confirm", s.confirm)
	})
	return r
}

func signals(r *http.Request, b SignalsBody) executor.Signals {
	sig := executor.Signals{
		Credential:    strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")),
		InputAccepted: true,
		InputReason:   b.InputReason,
		Confidence:    b.Confidence,
	}
	if b.InputAccepted != nil {
		sig.InputAccepted = *b.InputAccepted
	}
	return sig
}

func tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	t := r.Header.Get(TenantHeader)
	if t == "" {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: TenantHeader + " header is required"})
		return "", false
	}
	return t, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (s *server) submit(w http.ResponseWriter, r *http.Request) {
	t, ok := tenant(w, r)
	if !ok {
		return
	}
	var body submitBody
	if !decode(w, r, &body) {
		return
	}
	wo, err := s.orders.Submit(r.Context(), executor.SubmitRequest{
		TenantID:      t,
		ProcessID:     body.ProcessID,
		RequestID:     body.RequestID,
		CorrelationID: body.CorrelationID,
		EntityKey:     body.EntityKey,
		Fields:        body.Fields,
		Signals:       signals(r, body.Signals),
	})
	s.reply(w, r, http.StatusCreated, wo, err)
}

func (s *server) get(w http.ResponseWriter, r *http.Request) {
	t, ok := tenant(w, r)
	if !ok {
		return
	}
	wo, err := s.orders.Get(r.Context(), t, chi.URLParam(r, "id"))
	s.reply(w, r, http.StatusOK, wo, err)
}

func (s *server) supply(w http.ResponseWriter, r *http.Request) {
	t, ok := tenant(w, r)
	if !ok {
		return
	}
	var body fieldsBody
	if !decode(w, r, &body) {
		return
	}
	wo, err := s.orders.SupplyFields(r.Context(), t, chi.URLParam(r, "id"), body.Fields, signals(r, body.Signals))
	s.reply(w, r, http.StatusOK, wo, err)
}

func (s *server) confirm(w http.ResponseWriter, r *http.Request) {
	t, ok := tenant(w, r)
	if !ok {
		return
	}
	var body confirmBody
	if !decode(w, r, &body) {
		return
	}
	wo, err := s.orders.Confirm(r.Context(), t, chi.URLParam(r, "id"), body.StepID, body.Accept, signals(r, body.Signals))
	s.reply(w, r, http.StatusOK, wo, err)
}

// reply writes the work order, or maps err to a status. A work order that
// ended REFUSED or FAILED is a successful request: its reason code is in the
// body.
func (s *server) reply(w http.ResponseWriter, r *http.Request, status int, wo workorder.WorkOrder, err error) {
	if err == nil {
		writeJSON(w, status, wo)
		return
	}
	code := reason.CodeOf(err)
	var re *reason.Error
	if !errors.As(err, &re) {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorBody{Error: "internal error"})
		return
	}
	writeJSON(w, statusFor(re.Class, code), ErrorBody{Error: err.Error(), ReasonCode: code})
}

func statusFor(class reason.Class, code reason.Code) int {
	switch code {
	case reason.UnknownWorkOrder, reason.NoBlueprintAvailable:
		return http.StatusNotFound
	case reason.NotAwaitingInput, reason.WorkOrderTerminal, reason.InvalidTransition:
		return http.StatusConflict
	}
	switch class {
	case reason.ClassValidation:
		return http.StatusUnprocessableEntity
	case reason.ClassPolicy:
		return http.StatusForbidden
	case reason.ClassRetryable:
		return http.StatusServiceUnavailable
	case reason.ClassIntegrity:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("api response encode failed", "error", err)
	}
}
