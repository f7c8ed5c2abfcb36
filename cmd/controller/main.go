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

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/lightwavelabs/lightwave/internal/agent"
	"github.com/lightwavelabs/lightwave/internal/bus"
	"github.com/lightwavelabs/lightwave/internal/config"
	"github.com/lightwavelabs/lightwave/internal/connection"
	"github.com/lightwavelabs/lightwave/internal/linkdb"
	"github.com/lightwavelabs/lightwave/internal/metrics"
	"github.com/lightwavelabs/lightwave/internal/qot"
	"github.com/lightwavelabs/lightwave/internal/rsa"

	_ "net/http/pprof"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const consumerStopTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	showVersionFlag := flag.Bool("version", false, "show version and exit")
	verboseFlag := flag.Bool("verbose", false, "verbose mode - show debug logs")
	enablePprofFlag := flag.Bool("enable-pprof", false, "enable pprof server")
	envFileFlag := flag.String("env-file", "", "optional .env file to load before reading the environment")
	flag.Parse()

	if *showVersionFlag {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(0)
	}

	log := newLogger(*verboseFlag)

	cfg, err := config.Load(*envFileFlag)
	if err != nil {
		log.Error("failed to load config", "error", err)
		return err
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid config", "error", err)
		return err
	}

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			err := http.ListenAndServe("localhost:6060", nil)
			if err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clock := clockwork.NewRealClock()

	log.Info("starting controller",
		"controller", cfg.ControllerID,
		"virtual_operator", cfg.VirtualOperator,
		"broker", cfg.BrokerAddress,
		"store", cfg.StoreAddr(),
		"version", version)

	store, err := linkdb.NewRedisStore(&linkdb.RedisConfig{
		Logger:      log,
		Clock:       clock,
		Addr:        cfg.StoreAddr(),
		Password:    cfg.StorePassword,
		TotalSlots:  cfg.TotalSlots,
		DialTimeout: cfg.StoreTimeout,
		IOTimeout:   cfg.StoreTimeout,
	})
	if err != nil {
		log.Error("failed to create store", "error", err)
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("failed to close store", "error", err)
		}
	}()
	if err := store.HealthCheck(ctx); err != nil {
		log.Error("store is unreachable", "address", cfg.StoreAddr(), "error", err)
		return err
	}

	if cfg.EnsureTopics {
		if err := bus.EnsureTopics(ctx, []string{cfg.BrokerAddress}, 3, 1, cfg.ConfigTopic, cfg.MonitoringTopic); err != nil {
			log.Error("failed to ensure topics", "error", err)
			return err
		}
	}

	planner, err := rsa.NewPlanner(&rsa.Config{
		Logger:       log,
		SlotWidthGHz: cfg.SlotWidthGHz,
	})
	if err != nil {
		log.Error("failed to create planner", "error", err)
		return err
	}

	manager, err := connection.NewManager(&connection.ManagerConfig{
		Logger:       log,
		Clock:        clock,
		Store:        store,
		Planner:      planner,
		StoreTimeout: cfg.StoreTimeout,
	})
	if err != nil {
		log.Error("failed to create connection manager", "error", err)
		return err
	}
	if err := manager.ReloadTopology(ctx); err != nil {
		log.Error("failed to load topology", "error", err)
		return err
	}
	if err := manager.RebuildFromStore(ctx); err != nil {
		log.Error("failed to rebuild connections", "error", err)
		return err
	}

	producer, err := bus.NewProducer(&bus.ProducerConfig{
		Logger:      log,
		Brokers:     []string{cfg.BrokerAddress},
		Topic:       cfg.ConfigTopic,
		SendTimeout: cfg.SendTimeout,
	})
	if err != nil {
		log.Error("failed to create producer", "error", err)
		return err
	}

	registry, err := agent.NewRegistry(&agent.RegistryConfig{
		Logger: log,
		Clock:  clock,
	})
	if err != nil {
		log.Error("failed to create agent registry", "error", err)
		return err
	}
	dispatcher, err := agent.NewDispatcher(&agent.DispatcherConfig{
		Logger:   log,
		Clock:    clock,
		Registry: registry,
		Sender:   producer,
	})
	if err != nil {
		log.Error("failed to create dispatcher", "error", err)
		return err
	}

	monitor, err := qot.NewMonitor(&qot.MonitorConfig{
		Logger:             log,
		Clock:              clock,
		Manager:            manager,
		Dispatcher:         dispatcher,
		OSNRThreshold:      cfg.OSNRThreshold,
		CriticalOSNR:       cfg.CriticalOSNR,
		BERThreshold:       cfg.BERThreshold,
		PersistencySamples: cfg.PersistencySamples,
		Cooldown:           cfg.Cooldown,
		TxStepDB:           cfg.TxStepDB,
		TxMinDBM:           cfg.TxMinDBM,
		TxMaxDBM:           cfg.TxMaxDBM,
		AdjustMode:         cfg.AdjustMode,
		EfficiencyAdjust:   cfg.EfficiencyAdjust,
	})
	if err != nil {
		log.Error("failed to create qot monitor", "error", err)
		return err
	}

	consumer, err := bus.NewConsumer(&bus.ConsumerConfig{
		Logger:  log,
		Clock:   clock,
		Brokers: []string{cfg.BrokerAddress},
		Topic:   cfg.MonitoringTopic,
		Group:   cfg.ControllerID,
	})
	if err != nil {
		log.Error("failed to create consumer", "error", err)
		return err
	}
	consumer.OnHeartbeat(registry.HandleHeartbeat)
	consumer.OnTelemetry(monitor.HandleTelemetry)
	consumer.OnAck(dispatcher.HandleAck)

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	go serveMetrics(log, cfg.MetricsAddr, store)

	consumerErr := consumer.Run(ctx)
	go registry.RunReaper(ctx)
	go monitor.RunSweep(ctx)

	if err := dispatcher.BroadcastDiscovery(ctx, cfg.ControllerID); err != nil {
		log.Warn("discovery broadcast failed", "error", err)
	}

	<-ctx.Done()
	log.Info("shutting down")

	// Consumer first so no new work arrives, then flush outbound commands.
	consumer.Close()
	if err := bus.WaitClosed(consumerErr, consumerStopTimeout); err != nil {
		log.Warn("consumer shutdown", "error", err)
	}
	dispatcher.Close()
	flushCtx, flushCancel := context.WithTimeout(context.Background(), cfg.SendTimeout)
	defer flushCancel()
	if err := producer.Close(flushCtx); err != nil {
		log.Warn("producer shutdown", "error", err)
	}
	log.Info("controller stopped")
	return nil
}

func serveMetrics(log *slog.Logger, addr string, store linkdb.Store) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("failed to start metrics listener", "error", err)
		os.Exit(1)
	}
	log.Info("metrics server listening", "address", listener.Addr().String())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.HealthCheck(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	if err := http.Serve(listener, mux); err != nil {
		log.Error("metrics server stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
	}))
}
