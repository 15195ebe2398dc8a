package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/dbehnke/fwaudio-core/pkg/database"
	"github.com/dbehnke/fwaudio-core/pkg/logger"
	"github.com/dbehnke/fwaudio-core/pkg/metrics"
)

// API handles REST API endpoints exposing the core's diagnostic surface:
// live counters (metrics.Collector) and flight-recorder history
// (database.FlightRecorder). Neither exposes nor accepts session
// configuration.
type API struct {
	logger    *logger.Logger
	collector *metrics.Collector
	recorder  *database.FlightRecorder
}

// NewAPI creates a new API instance
func NewAPI(log *logger.Logger) *API {
	return &API{logger: log}
}

// SetDeps provides runtime dependencies to the API after construction
func (a *API) SetDeps(collector *metrics.Collector, recorder *database.FlightRecorder) {
	a.collector = collector
	a.recorder = recorder
}

// RecoveryDTO is a lightweight response for a recovery event
type RecoveryDTO struct {
	ID         uint   `json:"id"`
	SessionID  string `json:"session_id"`
	Sequence   uint64 `json:"sequence"`
	ReasonMask uint32 `json:"reason_mask"`
	Fatal      bool   `json:"fatal"`
	Occurred   int64  `json:"occurred"`
}

// UnderrunDTO is a lightweight response for an underrun/discontinuity event
type UnderrunDTO struct {
	ID        uint   `json:"id"`
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Count     uint64 `json:"count"`
	Occurred  int64  `json:"occurred"`
}

// ClockEventDTO is a lightweight response for a clockEstablished transition
type ClockEventDTO struct {
	ID          uint   `json:"id"`
	SessionID   string `json:"session_id"`
	Established bool   `json:"established"`
	Occurred    int64  `json:"occurred"`
}

// HandleStatus handles the /api/status endpoint
func (a *API) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	v, _, _ := GetVersionInfo()
	response := map[string]interface{}{
		"status":  "running",
		"service": "fwaudio-core",
		"version": v,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("Failed to encode status response", logger.Error(err))
	}
}

// HandleMetrics handles the /api/metrics endpoint, returning a snapshot of
// the in-process runtime counters (distinct from /metrics, which exposes
// the same data in Prometheus exposition format).
func (a *API) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if a.collector == nil {
		if err := json.NewEncoder(w).Encode(metrics.Snapshot{}); err != nil {
			a.logger.Error("Failed to encode metrics response", logger.Error(err))
		}
		return
	}

	if err := json.NewEncoder(w).Encode(a.collector.Snapshot()); err != nil {
		a.logger.Error("Failed to encode metrics response", logger.Error(err))
	}
}

// HandleRecoveries handles the /api/recoveries endpoint
func (a *API) HandleRecoveries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if a.recorder == nil {
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode([]RecoveryDTO{}); err != nil {
			a.logger.Error("Failed to encode recoveries response", logger.Error(err))
		}
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	limit := parseLimit(r, 50)

	events, err := a.recorder.RecentRecoveries(sessionID, limit)
	if err != nil {
		a.logger.Error("Failed to get recoveries", logger.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	dtos := make([]RecoveryDTO, 0, len(events))
	for _, e := range events {
		dtos = append(dtos, RecoveryDTO{
			ID:         e.ID,
			SessionID:  e.SessionID,
			Sequence:   e.Sequence,
			ReasonMask: e.ReasonMask,
			Fatal:      e.Fatal,
			Occurred:   e.Occurred.Unix(),
		})
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(dtos); err != nil {
		a.logger.Error("Failed to encode recoveries response", logger.Error(err))
	}
}

// HandleUnderruns handles the /api/underruns endpoint
func (a *API) HandleUnderruns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if a.recorder == nil {
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode([]UnderrunDTO{}); err != nil {
			a.logger.Error("Failed to encode underruns response", logger.Error(err))
		}
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	kind := r.URL.Query().Get("kind")
	limit := parseLimit(r, 50)

	events, err := a.recorder.RecentUnderruns(sessionID, kind, limit)
	if err != nil {
		a.logger.Error("Failed to get underruns", logger.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	dtos := make([]UnderrunDTO, 0, len(events))
	for _, e := range events {
		dtos = append(dtos, UnderrunDTO{
			ID:        e.ID,
			SessionID: e.SessionID,
			Kind:      e.Kind,
			Count:     e.Count,
			Occurred:  e.Occurred.Unix(),
		})
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(dtos); err != nil {
		a.logger.Error("Failed to encode underruns response", logger.Error(err))
	}
}

// HandleClockEvents handles the /api/clock-events endpoint
func (a *API) HandleClockEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if a.recorder == nil {
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode([]ClockEventDTO{}); err != nil {
			a.logger.Error("Failed to encode clock events response", logger.Error(err))
		}
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	limit := parseLimit(r, 50)

	events, err := a.recorder.RecentClockEstablishedEvents(sessionID, limit)
	if err != nil {
		a.logger.Error("Failed to get clock events", logger.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	dtos := make([]ClockEventDTO, 0, len(events))
	for _, e := range events {
		dtos = append(dtos, ClockEventDTO{
			ID:          e.ID,
			SessionID:   e.SessionID,
			Established: e.Established,
			Occurred:    e.Occurred.Unix(),
		})
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(dtos); err != nil {
		a.logger.Error("Failed to encode clock events response", logger.Error(err))
	}
}

// HandleSummary handles the /api/summary endpoint, rendering the current
// counter snapshot as an operator-facing plain-text summary rather than raw
// JSON: localized thousands separators for large counters (x/text/message),
// with the TX underrun total also shown comma-grouped by go-humanize.
func (a *API) HandleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := metrics.Snapshot{}
	if a.collector != nil {
		snap = a.collector.Snapshot()
	}

	p := message.NewPrinter(language.English)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "tx underruns: %s (%s)\n",
		p.Sprintf("%d", snap.TXUnderruns), humanize.Comma(int64(snap.TXUnderruns)))
	fmt.Fprintf(w, "tx discontinuities: %s\n", p.Sprintf("%d", snap.TXDiscontinuities))
	fmt.Fprintf(w, "rx errors: %s\n", p.Sprintf("%d", snap.RXErrors))
	fmt.Fprintf(w, "rx clock established: %v\n", snap.RXClockEstablished)
	fmt.Fprintf(w, "recoveries granted: %s, suppressed: %s\n",
		p.Sprintf("%d", snap.RecoveriesGranted), p.Sprintf("%d", snap.RecoveriesSuppress))
}

func parseLimit(r *http.Request, def int) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			return n
		}
	}
	return def
}
