package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cilium/ebpf"
	"github.com/dustin/go-humanize"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/spf13/afero"

	"github.com/sysight/sysight/pkg/capture"
	"github.com/sysight/sysight/pkg/capture/sources/ringbufsource"
	"github.com/sysight/sysight/pkg/capture/sources/tracefilesource"
	"github.com/sysight/sysight/pkg/config"
	"github.com/sysight/sysight/pkg/event"
	"github.com/sysight/sysight/pkg/metricsmanager"
	metricprometheus "github.com/sysight/sysight/pkg/metricsmanager/prometheus"
)

func main() {
	var (
		configDir  = flag.String("config", ".", "directory holding config.json")
		readPath   = flag.String("r", "", "replay events from a trace file instead of capturing live")
		writePath  = flag.String("w", "", "write dispatched events to a trace file")
		filterExpr = flag.String("f", "", "capture filter expression")
		pinPath    = flag.String("pin", "/sys/fs/bpf/sysight/events", "pinned ring buffer map of the loaded probes")
		quiet      = flag.Bool("q", false, "suppress per-event output")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		logger.L().Debug("no configuration file found, using defaults", helpers.Error(err))
		cfg = config.Default()
	}
	if *writePath != "" {
		cfg.DumpPath = *writePath
	}

	var metrics metricsmanager.MetricsManager = metricsmanager.NewMetricsMock()
	if cfg.EnablePrometheusExporter {
		metrics = metricprometheus.NewPrometheusMetric()
	}

	session := capture.NewSession(cfg, capture.WithMetrics(metrics))
	if *filterExpr != "" {
		if err := session.SetFilter(*filterExpr); err != nil {
			logger.L().Fatal("invalid filter expression", helpers.Error(err))
		}
	}

	var src capture.Source
	if *readPath != "" {
		src = tracefilesource.New(afero.NewOsFs(), *readPath)
	} else {
		events, err := ebpf.LoadPinnedMap(*pinPath, nil)
		if err != nil {
			logger.L().Fatal("loading pinned ring buffer map, are the probes loaded?",
				helpers.String("path", *pinPath), helpers.Error(err))
		}
		opts := []ringbufsource.Option{ringbufsource.WithSnaplen(cfg.Snaplen)}
		if drops, err := ebpf.LoadPinnedMap(*pinPath+"_drops", nil); err == nil {
			opts = append(opts, ringbufsource.WithDropsMap(drops))
		}
		src = ringbufsource.New(events, opts...)
	}

	if err := session.Open(src); err != nil {
		logger.L().Fatal("opening capture session", helpers.Error(err))
	}
	defer session.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.L().Info("interrupt received, shutting down")
		session.Interrupt()
	}()

loop:
	for {
		env, err := session.Next()
		if err != nil {
			switch {
			case errors.Is(err, capture.ErrTimeout):
				continue
			case errors.Is(err, capture.ErrEOF), errors.Is(err, capture.ErrInterrupted):
				break loop
			default:
				logger.L().Error("dispatch failed", helpers.Error(err))
				break loop
			}
		}
		if !*quiet {
			printEvent(env)
		}
	}

	st := session.Stats()
	logger.L().Info("capture finished",
		helpers.String("id", st.SessionID),
		helpers.String("events", humanize.Comma(int64(st.Events))),
		helpers.String("matched", humanize.Comma(int64(st.Matched))),
		helpers.String("dropped", humanize.Comma(int64(st.SourceDropped))),
		helpers.Int("threads", st.Threads))
}

func printEvent(env *event.Envelope) {
	comm := "<unknown>"
	if env.Thread != nil && env.Thread.Comm != "" {
		comm = env.Thread.Comm
	}
	fmt.Printf("%d %s (%d) %s\n", env.Num, comm, env.Tid, env.String())
}
