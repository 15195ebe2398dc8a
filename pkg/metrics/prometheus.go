package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dbehnke/fwaudio-core/pkg/logger"
)

// PrometheusConfig holds Prometheus metrics server configuration.
type PrometheusConfig struct {
	Enabled bool
	Port    int
	Path    string
}

// PrometheusHandler handles Prometheus metrics HTTP requests.
type PrometheusHandler struct {
	collector *Collector
}

// NewPrometheusHandler creates a new Prometheus handler.
func NewPrometheusHandler(collector *Collector) *PrometheusHandler {
	return &PrometheusHandler{collector: collector}
}

// ServeHTTP handles HTTP requests for metrics.
func (h *PrometheusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	s := h.collector.Snapshot()
	var out strings.Builder

	writeCounter := func(name, help string, v uint64) {
		out.WriteString("# HELP " + name + " " + help + "\n")
		out.WriteString("# TYPE " + name + " counter\n")
		out.WriteString(name + " " + strconv.FormatUint(v, 10) + "\n")
	}
	writeGauge := func(name, help string, v int64) {
		out.WriteString("# HELP " + name + " " + help + "\n")
		out.WriteString("# TYPE " + name + " gauge\n")
		out.WriteString(name + " " + strconv.FormatInt(v, 10) + "\n")
	}

	writeCounter("fwaudio_tx_underruns_total", "Total TX underruns (assembler ring or zero-copy short reads)", s.TXUnderruns)
	writeCounter("fwaudio_tx_discontinuities_total", "Total produced-packet DBC discontinuities", s.TXDiscontinuities)
	writeCounter("fwaudio_tx_cursor_resets_total", "Total audio-injection-cursor snap-forward events", s.TXCursorResets)
	writeCounter("fwaudio_tx_missed_packets_total", "Total packets missed by the audio-injection cursor", s.TXMissedPackets)
	writeCounter("fwaudio_tx_pending_resyncs_total", "Total applied TX consumer resyncs", s.TXPendingResyncs)
	writeGauge("fwaudio_tx_adaptive_fill_frames", "Current adaptive fill target, in frames", int64(s.TXAdaptiveFill))
	writeCounter("fwaudio_verifier_findings_total", "Total rate-limited verifier findings", s.VerifierFindings)
	writeCounter("fwaudio_recoveries_granted_total", "Total granted IT engine restarts", s.RecoveriesGranted)
	writeCounter("fwaudio_recoveries_suppressed_total", "Total cooldown/in-flight-suppressed recovery requests", s.RecoveriesSuppress)
	writeCounter("fwaudio_it_dead_events_total", "Total observed CtlDead events on the IT context", s.ITDeadEvents)
	writeCounter("fwaudio_it_wake_events_total", "Total issued Wake events on the IT context", s.ITWakeEvents)

	writeCounter("fwaudio_rx_errors_total", "Total CIP decode failures", s.RXErrors)
	writeCounter("fwaudio_rx_discontinuities_total", "Total received-packet DBC discontinuities", s.RXDiscontinuities)
	writeCounter("fwaudio_rx_oversized_dropped_total", "Total packets dropped for an oversized wire DBS", s.RXOversizedDropped)
	writeGauge("fwaudio_rx_clock_established", "Whether the external-sync bridge's clockEstablished is set", boolToInt64(s.RXClockEstablished))
	writeCounter("fwaudio_ir_dead_events_total", "Total observed CtlDead events on the IR context", s.IRDeadEvents)
	writeCounter("fwaudio_ir_poll_latency_under_100us_total", "IR poll latency bucket: <100us", s.IRLatencyU100us)
	writeCounter("fwaudio_ir_poll_latency_under_500us_total", "IR poll latency bucket: <500us", s.IRLatencyU500us)
	writeCounter("fwaudio_ir_poll_latency_under_1ms_total", "IR poll latency bucket: <1ms", s.IRLatencyU1ms)
	writeCounter("fwaudio_ir_poll_latency_over_1ms_total", "IR poll latency bucket: >=1ms", s.IRLatencyOver1ms)

	writeCounter("fwaudio_syt_corrections_total", "Total ±1 tick external-sync corrections applied", s.SYTCorrections)
	writeCounter("fwaudio_syt_disabled_events_total", "Total external-sync discipline disable/reset events", s.SYTDisabledEvents)

	writeCounter("fwaudio_clock_saturations_total", "Total clamp-saturated clock-engine ticks", s.ClockSaturations)
	writeGauge("fwaudio_clock_drift_run", "Current monotone-drift run length observed by the clock engine", int64(s.ClockDriftRun))

	_, _ = w.Write([]byte(out.String()))
}

func boolToInt64(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// PrometheusServer is an HTTP server for Prometheus metrics.
type PrometheusServer struct {
	config    PrometheusConfig
	collector *Collector
	log       *logger.Logger
	server    *http.Server
}

// NewPrometheusServer creates a new Prometheus metrics server.
func NewPrometheusServer(config PrometheusConfig, collector *Collector, log *logger.Logger) *PrometheusServer {
	if log == nil {
		log = logger.New(logger.Config{Level: "info", Format: "text"})
	}

	return &PrometheusServer{
		config:    config,
		collector: collector,
		log:       log.WithComponent("metrics"),
	}
}

// Start starts the Prometheus metrics server.
func (s *PrometheusServer) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.log.Info("Prometheus metrics server disabled")
		return nil
	}

	handler := NewPrometheusHandler(s.collector)
	mux := http.NewServeMux()
	mux.Handle(s.config.Path, handler)

	addr := fmt.Sprintf(":%d", s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	actualPort := listener.Addr().(*net.TCPAddr).Port

	s.server = &http.Server{
		Handler: mux,
	}

	s.log.Info("Starting Prometheus metrics server",
		logger.Int("port", actualPort),
		logger.String("path", s.config.Path))

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Info("Shutting down Prometheus metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown error: %w", err)
		}
		return ctx.Err()
	case err := <-errChan:
		return err
	}
}

// Stop stops the Prometheus metrics server.
func (s *PrometheusServer) Stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctx)
	}
}
