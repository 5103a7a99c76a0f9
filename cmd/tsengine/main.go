// Command tsengine wires the transport-stream processing pipeline
// together: it opens the DVR device, starts the reader thread, loads
// the tuned multiplex into the cache, serves the control and metrics
// HTTP surfaces, and shuts down cleanly on SIGINT/SIGTERM.
//
// Grounded on the teacher's cmd/plex-tuner/main.go (flag parsing kept
// minimal, an HTTP server started in a goroutine, signal.Notify on
// SIGINT/SIGTERM gating a blocking main goroutine) adapted to this
// engine's components and to log/slog instead of the teacher's log
// package.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/snapetech/tsengine/internal/cache"
	"github.com/snapetech/tsengine/internal/config"
	"github.com/snapetech/tsengine/internal/control"
	"github.com/snapetech/tsengine/internal/dispatch"
	"github.com/snapetech/tsengine/internal/eventbus"
	"github.com/snapetech/tsengine/internal/health"
	"github.com/snapetech/tsengine/internal/metrics"
	"github.com/snapetech/tsengine/internal/model"
	"github.com/snapetech/tsengine/internal/psi/atsc"
	"github.com/snapetech/tsengine/internal/reader"
	"github.com/snapetech/tsengine/internal/scan"
	"github.com/snapetech/tsengine/internal/servicefilter"
	"github.com/snapetech/tsengine/internal/sicapture"
	"github.com/snapetech/tsengine/internal/sidemux"
	"github.com/snapetech/tsengine/internal/sink"
	"github.com/snapetech/tsengine/internal/sitables"
	"github.com/snapetech/tsengine/internal/store"
	"github.com/snapetech/tsengine/internal/tspacket"
	"github.com/snapetech/tsengine/internal/tuner"
	"golang.org/x/time/rate"
)

func main() {
	envFile := flag.String("envfile", ".env", "optional KEY=value file loaded into the environment before config.Load")
	doScan := flag.Bool("scan", false, "scan every multiplex in the store for newly-discovered services, then exit")
	flag.Parse()

	_ = config.LoadEnvFile(*envFile)
	cfg := config.Load()
	log := newLogger(cfg)

	if err := run(cfg, log, *doScan); err != nil {
		log.Error("tsengine: fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func run(cfg *config.Config, log *slog.Logger, doScan bool) error {
	st, err := store.OpenSQLite(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	metricsReg := metrics.New()
	bus := eventbus.New()
	cch := cache.New(st)
	cch.Metrics = metricsReg
	disp := dispatch.New(log)
	disp.Metrics = metricsReg

	dvr, err := os.Open(cfg.DVRDevice)
	if err != nil {
		return fmt.Errorf("open dvr device: %w", err)
	}
	defer dvr.Close()

	rdr := reader.New(dvr, disp, log, cfg.ReadTimeout)

	outSink, closeSink, err := buildOutputSink(cfg, log)
	if err != nil {
		return fmt.Errorf("build output sink: %w", err)
	}
	if closeSink != nil {
		defer closeSink()
	}
	prim := servicefilter.New(outSink, cfg.AVSOnly)
	disp.Register(prim.Group())

	maint := sitables.New(cch, bus, log)
	disp.Register(maint.Group())

	fe := &stubFrontEnd{log: log}
	ctrl := tuner.New(fe, rdr, disp, cch, st, prim, bus, log)
	ctrl.Metrics = metricsReg
	ctrl.LockTimeout = cfg.RetuneLockTimeout
	ctrl.PollInterval = cfg.RetunePollInterval
	ctrl.RemoveFailedFrequencies = cfg.RemoveFailedFrequencies

	if cfg.SICaptureEnabled {
		closeCapture, err := wireSICapture(cfg, disp, cch)
		if err != nil {
			log.Warn("tsengine: sicapture disabled", "error", err)
		} else {
			defer closeCapture()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go rdr.Run()
	defer rdr.Quit()

	if doScan {
		return runScan(ctx, cfg, fe, rdr, disp, cch, st, ctrl, bus, log)
	}

	runHealthCheck(ctx, cfg, fe, st, log)

	ctrlSrv := control.New(ctrl, cch, st, bus, log)
	go func() {
		if err := ctrlSrv.ListenAndServe(ctx, cfg.ControlAddr); err != nil {
			log.Error("tsengine: control surface", "error", err)
		}
	}()

	go serveMetrics(ctx, cfg.MetricsAddr, metricsReg.Handler(), log)

	log.Info("tsengine: running", "adapter", cfg.AdapterDevice, "dvr", cfg.DVRDevice, "store", cfg.StorePath)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("tsengine: shutting down")
	cancel()
	return nil
}

// runScan drives a one-shot scan of every multiplex currently in the
// store (the candidate list a real deployment would otherwise seed
// from a satellite/cable/terrestrial frequency list) and logs what was
// found, per spec.md's "full-spectrum scanning, a client of the core's
// tuning API" framing: the scanner reuses the same FrontEnd, Reader,
// Dispatcher, Cache, and Controller this process already built.
func runScan(ctx context.Context, cfg *config.Config, fe tuner.FrontEnd, rdr *reader.Reader, disp *dispatch.Dispatcher, cch *cache.Cache, st store.Store, ctrl *tuner.Controller, bus *eventbus.Bus, log *slog.Logger) error {
	candidates, err := st.EnumerateMultiplexes(ctx)
	if err != nil {
		return fmt.Errorf("scan: enumerate multiplexes: %w", err)
	}
	if len(candidates) == 0 {
		log.Warn("tsengine: scan requested but the store has no candidate multiplexes")
		return nil
	}

	scanner := scan.New(fe, rdr, disp, cch, st, ctrl, bus, log)
	scanner.FromNetwork = cfg.ScanFromNetwork
	scanner.LockTimeout = cfg.ScanLockTimeout
	scanner.TablesTimeout = cfg.ScanTablesTimeout
	scanner.NITTimeout = cfg.ScanNITTimeout
	scanner.PollInterval = cfg.ScanPollInterval
	scanner.TuneLimiter = rate.NewLimiter(rate.Every(cfg.ScanTuneInterval), 1)

	results := scanner.Run(ctx, candidates)
	found := 0
	for _, r := range results {
		if r.Found {
			found++
		}
	}
	log.Info("tsengine: scan complete", "candidates", len(results), "found", found)
	return nil
}

func serveMetrics(ctx context.Context, addr string, handler http.Handler, log *slog.Logger) {
	srv := &http.Server{Addr: addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("tsengine: metrics server", "error", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("tsengine: metrics shutdown", "error", err)
		}
		<-errCh
	}
}

func runHealthCheck(ctx context.Context, cfg *config.Config, fe tuner.FrontEnd, st store.Store, log *slog.Logger) {
	if err := health.CheckDVRDevice(cfg.DVRDevice); err != nil {
		log.Warn("tsengine: health: dvr device", "error", err)
	}
	if err := health.CheckFrontEnd(ctx, fe); err != nil {
		log.Warn("tsengine: health: front end", "error", err)
	}
	if err := health.CheckStore(ctx, st); err != nil {
		log.Warn("tsengine: health: store", "error", err)
	}
}

func buildOutputSink(cfg *config.Config, log *slog.Logger) (sink.Sink, func(), error) {
	if cfg.UDPAddress == "" {
		return discardSink{}, nil, nil
	}
	udp, err := sink.NewUDP(cfg.UDPAddress, cfg.UDPTTL, cfg.UDPPacketsPerDatagram, log)
	if err != nil {
		return nil, nil, err
	}
	return udp, func() { _ = udp.Close() }, nil
}

// wireSICapture registers a dispatch group that captures every packet
// matching the SI-capture PID set to a brotli-compressed file, and an
// MGT section filter that keeps the PID set's ATSC EIT/ETT membership
// current as the multiplex's channel lineup changes.
func wireSICapture(cfg *config.Config, disp *dispatch.Dispatcher, cch *cache.Cache) (func(), error) {
	w, err := sicapture.New(cfg.SICapturePath, cfg.SICaptureQuality)
	if err != nil {
		return nil, err
	}

	pids := sicapture.NewPIDSet()

	group := dispatch.NewGroup("sicapture")

	mgtDemux := sidemux.New(0x1FFB, nil)
	mgtDecoder := atsc.NewMGTDecoder()
	mgtDecoder.OnTable = pids.OnMGT
	mgtDemux.Attach(atsc.TableIDMGT, mgtDecoder.Feed)
	group.AddSectionFilter(0x1FFB, mgtDemux)

	group.AddPacketFilter(dispatch.ALL, func(_ *dispatch.Group, pkt tspacket.Packet) {
		fromNetwork := cch.Multiplex() != nil && cfg.ScanFromNetwork
		if pids.ShouldCapture(pkt.PID(), fromNetwork) {
			_ = w.Capture(pids, fromNetwork, pkt)
		}
	})

	disp.Register(group)
	return func() { _ = w.Close() }, nil
}

// stubFrontEnd is the out-of-scope "tune(params) -> locked/failed"
// black box spec.md §1 describes: the LNB/DiSEqC hardware driver is an
// external collaborator this specification treats opaquely. It reports
// locked immediately after Tune so the rest of the pipeline (cache
// load, dispatch, reader) can be exercised without real DVB hardware.
type stubFrontEnd struct {
	log *slog.Logger
}

func (f *stubFrontEnd) Tune(ctx context.Context, mux *model.Multiplex) error {
	f.log.Info("stubFrontEnd: tune", "mux", mux.UID)
	return nil
}

func (f *stubFrontEnd) Status(ctx context.Context) (tuner.Status, error) {
	return tuner.Status{Locked: true}, nil
}

// discardSink is the output sink used when no UDP delivery address is
// configured: it accepts and drops every packet, so the service filter
// and tuning controller still have a sink to reserve header space in.
type discardSink struct{}

func (discardSink) OutputPacket(pkt tspacket.Packet) error { return nil }
func (discardSink) OutputBlock(block []byte) error         { return nil }
func (discardSink) ReserveHeaderSpace(n int) error          { return nil }
func (discardSink) SetHeader(packets [][]byte) error        { return nil }
func (discardSink) Close() error                            { return nil }
