package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"crlogger/internal/audit"
	"crlogger/internal/bus"
	"crlogger/internal/config"
	cronrunner "crlogger/internal/cron"
	"crlogger/internal/datalogger"
	"crlogger/internal/db"
	"crlogger/internal/handler"
	"crlogger/internal/logger"
	"crlogger/internal/service"
	"crlogger/internal/tap"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("crbridge", pflag.ExitOnError)
	cfgPath := flags.String("config", envOr("CRB_CONFIG", "config/config.yaml"), "path to the YAML configuration file")
	envOnly := flags.Bool("env-only", envBool("CRB_ENV_ONLY"), "read configuration from CRB_* environment variables only")
	_ = flags.Parse(os.Args[1:])

	config.LoadDotEnv(os.Getenv("CRB_APP_ENV"))
	cfg, err := config.Load(*cfgPath, *envOnly)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crbridge: config: %v\n", err)
		return 2
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crbridge: logger: %v\n", err)
		return 2
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openCheckpointStore(ctx, cfg, log)
	if err != nil {
		log.Error("checkpoint store unavailable", zap.String("backend", cfg.Checkpoint.Backend), zap.Error(err))
		return 1
	}
	defer store.Close()

	auditClient := &audit.Client{
		BaseURL: cfg.Audit.BaseURL,
		APIKey:  cfg.Audit.APIKey,
		Source:  cfg.Device.Serial,
		Timeout: cfg.Audit.Timeout,
		Logger:  log,
	}
	if auditClient.Enabled() {
		log.Info("audit events enabled", zap.String("base_url", cfg.Audit.BaseURL))
	}

	device := datalogger.NewClient(datalogger.Options{
		BaseURL:   cfg.Device.BaseURL,
		Username:  cfg.Device.Username,
		Password:  cfg.Device.Password,
		Serial:    cfg.Device.Serial,
		Location:  cfg.DeviceLocation(),
		Timeout:   cfg.Device.Timeout,
		BatchSize: cfg.Device.BatchSize,
		Logger:    log,
	})
	dialer := bus.NewDialer(bus.Options{
		BrokerURL:      cfg.Bus.BrokerURL,
		ClientID:       cfg.Bus.ClientID,
		Username:       cfg.Bus.Username,
		Password:       cfg.Bus.Password,
		QoS:            cfg.Bus.QoS,
		KeepAlive:      cfg.Bus.KeepAlive,
		CleanSession:   cfg.Bus.CleanSession,
		ConnectTimeout: cfg.Bus.ConnectTimeout,
		PublishTimeout: cfg.Bus.PublishTimeout,
		SubscribeTopic: cfg.Bus.SubscribeTopic,
		Logger:         log,
	})

	hub := tap.NewHub(log)
	engine := &service.SyncEngine{
		TopicRoot: cfg.Bus.TopicRoot,
		Step:      cfg.Sync.AdvanceStep,
		Pace:      cfg.Sync.PublishPace,
		Saver:     store.Repo,
		Logger:    log,
		Observer:  hub,
	}
	supervisor := &service.Supervisor{
		Device: service.DeviceOpenerFunc(func(ctx context.Context) (service.DeviceSession, error) {
			session, err := device.Open(ctx)
			if err != nil {
				return nil, err
			}
			return session, nil
		}),
		Bus: service.BusConnectorFunc(func(ctx context.Context) (service.BusConn, error) {
			conn, err := dialer.Connect(ctx)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}),
		Repo:           store.Repo,
		Engine:         engine,
		Logger:         log,
		Events:         auditClient,
		ExcludeTables:  cfg.Sync.ExcludeTables,
		DeviceTimeout:  cfg.Device.Timeout,
		ConnectTimeout: cfg.Bus.ConnectTimeout,
		PollInterval:   cfg.Supervisor.PollInterval,
		Backoff: service.Backoff{
			Min:        cfg.Backoff.Min,
			Max:        cfg.Backoff.Max,
			Multiplier: cfg.Backoff.Multiplier,
			Jitter:     cfg.Backoff.Jitter,
		},
		ResetCorrupt: cfg.Checkpoint.OnCorrupt == config.OnCorruptReset,
	}
	lag := &service.LagReporter{
		Checkpoints: supervisor.Checkpoints,
		Warn:        cfg.Monitor.LagWarn,
		Logger:      log,
		Events:      auditClient,
	}

	cronRunner := cronrunner.New(log, ctx)
	if spec := strings.TrimSpace(cfg.Monitor.LagReport); spec != "" {
		if _, err := cronRunner.Add("lag_report", spec, lag.Run); err != nil {
			log.Error("invalid monitor.lag_report", zap.String("spec", spec), zap.Error(err))
			return 2
		}
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	var srv *http.Server
	serverErr := make(chan error, 1)
	if cfg.Server.Enabled {
		srv = &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           newRouter(cfg, supervisor, lag, hub, store.DB),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	supervisorDone := make(chan error, 1)
	go func() {
		log.Info("bridge starting",
			zap.String("device", cfg.Device.BaseURL),
			zap.String("broker", cfg.Bus.BrokerURL),
			zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		)
		supervisorDone <- supervisor.Run(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested, draining current pass")
		runErr = <-supervisorDone
	case runErr = <-supervisorDone:
	case err := <-serverErr:
		log.Error("http server failed", zap.Error(err))
		stop()
		runErr = <-supervisorDone
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("bridge stopped", zap.Error(runErr))
		return 1
	}
	log.Info("bridge stopped")
	return 0
}

func newRouter(cfg config.Config, supervisor *service.Supervisor, lag *service.LagReporter, hub *tap.Hub, gdb *db.DB) *gin.Engine {
	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	health := &handler.HealthHandler{Supervisor: supervisor}
	if gdb != nil {
		health.DB = gdb.Gorm
	}
	health.Register(engine)

	status := &handler.StatusHandler{
		Supervisor:  supervisor,
		Checkpoints: supervisor,
		Lag:         lag,
		Tap:         hub,
	}
	status.Register(engine)
	return engine
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v := strings.TrimSpace(os.Getenv(key))
	return strings.EqualFold(v, "true") || v == "1"
}
