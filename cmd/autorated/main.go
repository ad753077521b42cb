// Command autorated is the bufferbloat-avoiding adaptive shaper controller:
// it probes a set of reflectors for one-way delay, baselines the results,
// and adjusts a Linux cake qdisc's rate to keep induced queueing delay
// below configured thresholds while maximising utilisation.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Lochnair/sqm-autorate/internal/baseline"
	"github.com/Lochnair/sqm-autorate/internal/config"
	"github.com/Lochnair/sqm-autorate/internal/probe"
	"github.com/Lochnair/sqm-autorate/internal/qdisc"
	"github.com/Lochnair/sqm-autorate/internal/ratecontrol"
	"github.com/Lochnair/sqm-autorate/internal/reflector"
	"github.com/Lochnair/sqm-autorate/internal/statlog"
)

var (
	metricsEnable = os.Getenv("METRICS_ENABLE") == "true"
	metricsAddr   = envOr("METRICS_ADDR", "localhost:9100")
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	level := slog.LevelInfo
	cfg, err := config.Load()
	if err == nil {
		_ = level.UnmarshalText([]byte(cfg.LogLevel))
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err != nil {
		logger.Error("config: startup failed", "error", err)
		os.Exit(1)
	}

	if err := run(logger, cfg); err != nil {
		logger.Error("autorated: fatal error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, cfg config.Config) error {
	if metricsEnable {
		listener, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			return fmt.Errorf("starting prometheus metrics listener: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			logger.Info("metrics: server started", "address", listener.Addr().String())
			if err := http.Serve(listener, mux); err != nil {
				logger.Error("metrics: server stopped", "error", err)
			}
		}()
	}

	pool, err := reflector.LoadPoolFile(logger, cfg.ReflectorListFile)
	if err != nil {
		return fmt.Errorf("loading reflector list: %w", err)
	}

	initialPeers := pool.All()
	if len(initialPeers) > cfg.NumReflectors {
		initialPeers = initialPeers[:cfg.NumReflectors]
	}
	peers := reflector.NewPeerSet(initialPeers)

	conn, err := probe.OpenRawICMPv4()
	if err != nil {
		return fmt.Errorf("opening raw ICMP socket: %w", err)
	}
	defer conn.Close()

	baselineStore := baseline.NewStore()
	recentStore := baseline.NewStore()

	samples := make(chan probe.Reply, 64)
	reselect := make(chan struct{}, 1)
	errCh := make(chan error, 5)

	id := uint16(os.Getpid())

	sender := probe.NewSender(logger, id, cfg.MeasurementType, peers, conn, cfg.TickInterval)
	listener := probe.NewListener(logger, id, cfg.MeasurementType, peers, conn, samples)

	baseliner := baseline.New(baseline.Config{
		Logger:       logger,
		Baseline:     baselineStore,
		Recent:       recentStore,
		Samples:      samples,
		Reselect:     reselect,
		TickInterval: cfg.TickInterval,
	})

	statsWriter, err := statlog.Open(cfg.StatsFile, cfg.SpeedHistFile, cfg.SuppressStatistics)
	if err != nil {
		return fmt.Errorf("opening statistics files: %w", err)
	}
	defer statsWriter.Close()

	controller := ratecontrol.New(ratecontrol.Config{
		Logger:            logger,
		Shaper:            qdisc.NetlinkShaper{},
		Baseline:          baselineStore,
		Recent:            recentStore,
		Peers:             peers,
		Reselect:          reselect,
		TickInterval:      cfg.TickInterval,
		MinChangeInterval: cfg.MinChangeInterval,
		HighLoadLevel:     cfg.HighLoadLevel,
		SpeedHistSize:     cfg.SpeedHistSize,
		Download: ratecontrol.DirectionConfig{
			Ifname:    cfg.DownloadInterface,
			BaseKbits: cfg.DownloadBaseKbits,
			MinKbits:  cfg.DownloadMinKbits,
			DelayMs:   cfg.DownloadDelayMs,
			Counter:   ratecontrol.RxBytes,
		},
		Upload: ratecontrol.DirectionConfig{
			Ifname:    cfg.UploadInterface,
			BaseKbits: cfg.UploadBaseKbits,
			MinKbits:  cfg.UploadMinKbits,
			DelayMs:   cfg.UploadDelayMs,
			Counter:   ratecontrol.TxBytes,
		},
		Stats:     statsWriter,
		SpeedHist: statsWriter,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runRecover(logger, errCh, "sender", func() error { return sender.Run(ctx) })
	go runRecover(logger, errCh, "listener", func() error { return listener.Run(ctx) })
	go runRecover(logger, errCh, "baseliner", func() error { baseliner.Run(); return fmt.Errorf("samples channel closed") })
	go runRecover(logger, errCh, "ratecontrol", func() error { return controller.Run() })

	if reflector.Enabled(pool) {
		selector := reflector.NewSelector(logger, pool, peers, recentStore, cfg.NumReflectors, cfg.TickInterval, reselect)
		go runRecover(logger, errCh, "selector", func() error { selector.Run(); return nil })
	} else {
		logger.Info("reflector: pool too small, selector disabled, using default peer list for process lifetime", "pool_size", pool.Len())
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("autorated: shutdown signal received")
		time.Sleep(100 * time.Millisecond)
		return nil
	}
}

// runRecover wraps a worker's run function with the recover()-based
// panic-to-error substitute for Go's lack of mutex poisoning: a panic in a
// critical section propagates up this goroutine's stack and is converted
// into a value on errCh instead of crashing silently.
func runRecover(logger *slog.Logger, errCh chan<- error, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%s: panic: %v", name, r)
			logger.Error("autorated: worker panicked", "worker", name, "panic", r)
			select {
			case errCh <- err:
			default:
			}
		}
	}()
	if err := fn(); err != nil {
		select {
		case errCh <- fmt.Errorf("%s: %w", name, err):
		default:
		}
	}
}
