package replay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/ledger"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/projection"
)

// NewHandler serves read-only diagnostics:
//
//	GET /streams?prefix=workorder/
//	GET /streams/{family}/{id}          live projection and head
//	GET /streams/{family}/{id}/events
//	GET /streams/{family}/{id}/verify
//	GET /audit/{correlationID}
//
// Rebuild and Resume change state and are only reachable from the CLI.
func NewHandler(d *Diagnostics) http.Handler {
	h := &handler{d: d}
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/streams", h.streams)
	r.Route("/streams/{family}/{id}", func(r chi.Router) {
		r.Get("/", h.stream)
		r.Get("/events", h.events)
		r.Get("/verify", h.verify)
	})
	r.Get("/audit/{correlationID}", h.trail)
	return r
}

type handler struct {
	d *Diagnostics
}

type streamView struct {
	StreamID string         `json:"stream_id"`
	Head     uint64         `json:"head"`
	LiveSeq  uint64         `json:"live_seq"`
	Records  projection.Set `json:"records"`
}

func streamParam(r *http.Request) string {
	return ledger.StreamID(chi.URLParam(r, "family"), chi.URLParam(r, "id"))
}

func (h *handler) streams(w http.ResponseWriter, r *http.Request) {
	streams, err := h.d.Streams(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if streams == nil {
		streams = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": streams})
}

func (h *handler) stream(w http.ResponseWriter, r *http.Request) {
	id := streamParam(r)
	head, err := h.d.store.Head(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if head == 0 {
		h.fail(w, r, ErrUnknownStream)
		return
	}
	set, seq := h.d.proj.Snapshot(id)
	writeJSON(w, http.StatusOK, streamView{StreamID: id, Head: head, LiveSeq: seq, Records: set})
}

func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	events, err := h.d.Events(r.Context(), streamParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *handler) verify(w http.ResponseWriter, r *http.Request) {
	rep, err := h.d.Verify(r.Context(), streamParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if !rep.OK() {
		status = http.StatusConflict
	}
	writeJSON(w, status, rep)
}

func (h *handler) trail(w http.ResponseWriter, r *http.Request) {
	events, err := h.d.AuditTrail(r.Context(), chi.URLParam(r, "correlationID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if len(events) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no audit events"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrUnknownStream) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	h.d.logger.ErrorContext(r.Context(), "diagnostics request failed", "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("diagnostics response encode failed", "error", err)
	}
}
