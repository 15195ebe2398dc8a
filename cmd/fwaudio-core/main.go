// Command fwaudio-core wires the data-plane core (pkg/session) to
// internal/simhw's simulated OHCI hardware and host audio device, the
// way cmd/dmr-nexus wires the DMR bridge server to its network/peer/
// bridge packages: load config, stand up the ambient stack (metrics,
// database, web, mqtt), start one duplex session, wait for a shutdown
// signal, stop cleanly.
//
// There is no real FireWire controller here — internal/simhw stands in
// for one, driven explicitly by this command instead of an IRQ. A
// production build replaces pkg/session's Hardware with MMIO-backed
// pkg/ohci implementations and drops the simulated-advance loop entirely.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dbehnke/fwaudio-core/internal/simhw"
	"github.com/dbehnke/fwaudio-core/pkg/am824"
	"github.com/dbehnke/fwaudio-core/pkg/clock"
	"github.com/dbehnke/fwaudio-core/pkg/config"
	"github.com/dbehnke/fwaudio-core/pkg/database"
	"github.com/dbehnke/fwaudio-core/pkg/logger"
	"github.com/dbehnke/fwaudio-core/pkg/metrics"
	"github.com/dbehnke/fwaudio-core/pkg/mqtt"
	"github.com/dbehnke/fwaudio-core/pkg/session"
	"github.com/dbehnke/fwaudio-core/pkg/web"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

func main() {
	configFile := pflag.String("config", "", "Path to configuration file")
	profileName := pflag.String("profile", "default", "Named profile (from config) to start")
	pflag.String("log-level", "", "Override the configured logging.level")
	showVersion := pflag.Bool("version", false, "Show version information")
	pflag.Parse()

	// Bind logging.level to -log-level so an empty flag falls through to
	// the config file's/viper's own default instead of overriding it.
	if err := viper.BindPFlag("logging.level", pflag.Lookup("log-level")); err != nil {
		fmt.Fprintf(os.Stderr, "failed to bind log-level flag: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Printf("fwaudio-core %s\n", version)
		fmt.Printf("Git Commit: %s\n", gitCommit)
		fmt.Printf("Built: %s\n", buildTime)
		os.Exit(0)
	}

	log := logger.New(logger.Config{Level: "info", Format: "text"})
	log.Info("starting fwaudio-core",
		logger.String("version", version),
		logger.String("commit", gitCommit))

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Error("failed to load configuration", logger.Error(err))
		os.Exit(1)
	}
	log = logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	profile, ok := cfg.Profiles[*profileName]
	if !ok {
		log.Error("unknown profile", logger.String("profile", *profileName))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup

	collector := metrics.NewCollector()

	var recorder *database.FlightRecorder
	if cfg.Database.Enabled {
		db, err := database.NewDB(database.Config{Path: cfg.Database.Path}, log.WithComponent("database"))
		if err != nil {
			log.Error("failed to open flight recorder database", logger.Error(err))
			os.Exit(1)
		}
		defer db.Close()
		recorder = database.NewFlightRecorder(db.GetDB())
		log.Info("flight recorder database ready", logger.String("path", cfg.Database.Path))
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Prometheus.Enabled {
		promSrv := metrics.NewPrometheusServer(metrics.PrometheusConfig{
			Enabled: cfg.Metrics.Prometheus.Enabled,
			Port:    cfg.Metrics.Prometheus.Port,
			Path:    cfg.Metrics.Prometheus.Path,
		}, collector, log.WithComponent("metrics"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := promSrv.Start(ctx); err != nil && err != context.Canceled {
				log.Error("prometheus server error", logger.Error(err))
			}
		}()
		log.Info("prometheus metrics server started", logger.Int("port", cfg.Metrics.Prometheus.Port))
	}

	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Enabled {
		mqttPub = mqtt.New(mqtt.Config{
			Enabled:     cfg.MQTT.Enabled,
			Broker:      cfg.MQTT.Broker,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			QoS:         cfg.MQTT.QoS,
			Retained:    cfg.MQTT.Retained,
		}, log.WithComponent("mqtt"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mqttPub.Start(ctx); err != nil && err != context.Canceled {
				log.Error("mqtt publisher error", logger.Error(err))
			}
		}()
		log.Info("mqtt publisher started", logger.String("broker", cfg.MQTT.Broker))
	}

	if cfg.Web.Enabled {
		webSrv := web.NewServer(cfg.Web, log.WithComponent("web")).
			WithCollector(collector).
			WithFlightRecorder(recorder)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := webSrv.Start(ctx); err != nil && err != context.Canceled {
				log.Error("web server error", logger.Error(err))
			}
		}()
		log.Info("diagnostics web server started",
			logger.String("host", cfg.Web.Host), logger.Int("port", cfg.Web.Port))
	}

	hw := session.Hardware{
		Memory:      simhw.NewMemory(),
		Controller:  simhw.NewController(),
		Barrier:     simhw.Barrier{},
		ITContext:   &simhw.Context{},
		IRContext:   &simhw.Context{},
		AudioDevice: simhw.NewHostAudioDevice(),
	}

	sess, err := session.New(hw, log.WithComponent("session"))
	if err != nil {
		log.Error("failed to construct session", logger.Error(err))
		os.Exit(1)
	}
	sess = sess.WithMetrics(collector).WithFlightRecorder(recorder).WithMQTT(mqttPub)

	streamMode := session.ModeBlocking
	if profile.StreamMode == string(session.ModeNonBlocking) {
		streamMode = session.ModeNonBlocking
	}
	params := session.StartParams{
		SID:              byte(profile.SID),
		StreamMode:       streamMode,
		PCMChannels:      profile.PCMChannels,
		AM824Slots:       profile.AM824Slots,
		ITPackets:        profile.ITPackets,
		IRBuffers:        profile.IRBuffers,
		AdaptiveFillBase: profile.AdaptiveFillBase,
		ClockTimebase:    clock.IdentityTimebase,
	}

	// internal/simhw never advances on its own; this command plays that
	// role so the demo session can actually reach clockEstablished and
	// keep streaming. A real hardware backend needs none of this — its
	// own DMA engine and IRQs drive pkg/itengine/pkg/irengine.
	driverDone := make(chan struct{})
	go driveSimulatedHardware(ctx, sess, params, driverDone)

	if err := sess.Start(ctx, params); err != nil {
		log.Error("session start failed", logger.Error(err))
		cancel()
		<-driverDone
		wg.Wait()
		os.Exit(1)
	}
	log.Info("session started", logger.String("id", sess.ID()), logger.String("profile", *profileName))

	sig := <-sigCh
	log.Info("received shutdown signal", logger.String("signal", sig.String()))
	cancel()
	<-driverDone
	sess.Stop()

	if mqttPub != nil {
		mqttPub.Stop()
	}
	wg.Wait()
	log.Info("fwaudio-core stopped")
}

// driveSimulatedHardware stands in for the OHCI controller's DMA engine
// and IRQ line against an internal/simhw-backed session: once the
// session reports Running, it periodically advances the IT context's
// simulated command pointer (as if hardware had consumed that many
// transmit packets) and delivers one synthetic silent DATA receive
// packet, so the external-sync bridge can reach clockEstablished and
// the IT refill loop has real progress to make. It exits when ctx is
// cancelled, closing done.
func driveSimulatedHardware(ctx context.Context, sess *session.Session, params session.StartParams, done chan struct{}) {
	defer close(done)

	pcm := params.PCMChannels
	if pcm <= 0 {
		pcm = 2
	}
	slots := params.AM824Slots
	if slots < pcm {
		slots = pcm
	}
	sid := params.SID

	for !sess.Running() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Microsecond):
		}
	}

	// One simulated bus cycle (125µs) per tick; advance the IT ring by
	// one packet and deliver one IR receive packet each tick, matching
	// the 8kHz isochronous cycle cadence.
	ticker := time.NewTicker(125 * time.Microsecond)
	defer ticker.Stop()

	var dbcSeq byte
	var presCycle uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			presCycle = (presCycle + 1) % 16
			payload := syntheticRXPacket(sid, slots, dbcSeq, uint16(presCycle<<12), 8)
			dbcSeq += 8
			sess.SimulateHardware(1, payload)
		}
	}
}

// syntheticRXPacket builds one [8B isoch header][8B CIP][AM824 silence]
// receive payload, matching the wire format pkg/iraudio.Pipeline.
// HandlePacket expects. syt is the fake presentation timestamp the demo
// driver stamps into the CIP header so iraudio's consecutive-valid-sample
// counter advances.
func syntheticRXPacket(sid byte, am824Slots int, dbc byte, syt uint16, frames int) []byte {
	builder := am824.HeaderBuilder{SID: sid, DBS: byte(am824Slots)}
	q0, q1 := builder.Build(dbc, syt, false)

	out := make([]byte, 8+8+frames*am824Slots*4)
	putBE32(out[8:12], q0)
	putBE32(out[12:16], q1)
	off := 16
	for f := 0; f < frames; f++ {
		for slot := 0; slot < am824Slots; slot++ {
			putBE32(out[off:off+4], am824.EncodeSilence())
			off += 4
		}
	}
	return out
}

func putBE32(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}
