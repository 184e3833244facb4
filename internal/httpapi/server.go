// Package httpapi serves the read-only view of a running pair pipeline.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"pairwatch/internal/alert"
	"pairwatch/internal/align"
	"pairwatch/internal/exception"
	"pairwatch/internal/export"
	"pairwatch/internal/metrics"
	"pairwatch/internal/model"
)

// PairView is what the API reads from a pipeline.
type PairView interface {
	Snapshot() *model.Snapshot
	Preview() *model.Snapshot
	Export() []model.AlignedPoint
	Bars(symbol string) ([]model.Bar, error)
	Gaps() []align.Gap
	AlertStates() []alert.RuleState
	StreamStates() map[string]string
	SetWindow(ctx context.Context, n int) error
}

// NewRouter registers every route.
func NewRouter(logger *zap.Logger, view PairView) *mux.Router {
	h := &handler{logger: logger.Named("http"), view: view}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	router.HandleFunc("/snapshot", h.snapshot).Methods(http.MethodGet)
	router.HandleFunc("/export", h.export).Methods(http.MethodGet)
	router.HandleFunc("/bars/{symbol}", h.bars).Methods(http.MethodGet)
	router.HandleFunc("/gaps", h.gaps).Methods(http.MethodGet)
	router.HandleFunc("/alerts", h.alerts).Methods(http.MethodGet)
	router.HandleFunc("/window", h.window).Methods(http.MethodPost)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return router
}

// NewServer wraps the router in an http.Server.
func NewServer(addr string, router http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

type handler struct {
	logger *zap.Logger
	view   PairView
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (h *handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "streams": h.view.StreamStates()})
}

func (h *handler) snapshot(w http.ResponseWriter, r *http.Request) {
	snap := h.view.Snapshot()
	if r.URL.Query().Get("provisional") == "true" {
		if p := h.view.Preview(); p != nil {
			snap = p
		}
	}
	if snap == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *handler) export(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="aligned.csv"`)
	if err := export.WriteAligned(w, h.view.Export()); err != nil {
		h.logger.Error("export failed", zap.Error(err))
	}
}

func (h *handler) bars(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToLower(mux.Vars(r)["symbol"])
	bars, err := h.view.Bars(symbol)
	if errors.Is(err, exception.ErrUnknownSymbol) {
		h.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		if err := export.WriteBars(w, bars); err != nil {
			h.logger.Error("bar export failed", zap.Error(err))
		}
		return
	}
	h.writeJSON(w, http.StatusOK, bars)
}

func (h *handler) gaps(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.view.Gaps())
}

func (h *handler) alerts(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.view.AlertStates())
}

type windowRequest struct {
	Window int `json:"window"`
}

func (h *handler) window(w http.ResponseWriter, r *http.Request) {
	var req windowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	err := h.view.SetWindow(r.Context(), req.Window)
	var cfgErr *exception.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		h.writeError(w, http.StatusBadRequest, err)
	case err != nil:
		h.writeError(w, http.StatusServiceUnavailable, err)
	default:
		h.logger.Info("window updated", zap.Int("window", req.Window))
		h.writeJSON(w, http.StatusOK, req)
	}
}
