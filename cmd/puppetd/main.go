package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/recruitkit/puppetd/internal/api"
	"github.com/recruitkit/puppetd/internal/config"
	"github.com/recruitkit/puppetd/internal/crypto"
	"github.com/recruitkit/puppetd/internal/harvest"
	"github.com/recruitkit/puppetd/internal/ledger"
	"github.com/recruitkit/puppetd/internal/observability"
	"github.com/recruitkit/puppetd/internal/orchestrator"
	"github.com/recruitkit/puppetd/internal/proxy"
	"github.com/recruitkit/puppetd/internal/queue"
	"github.com/recruitkit/puppetd/internal/quota"
	"github.com/recruitkit/puppetd/internal/ratelimit"
	"github.com/recruitkit/puppetd/internal/runtime"
	"github.com/recruitkit/puppetd/internal/schedule"
	"github.com/recruitkit/puppetd/internal/store"
	"github.com/recruitkit/puppetd/internal/worker"
	"github.com/recruitkit/puppetd/pkg/models"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	// .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Fatal("configuration", zap.Error(err))
	}

	log := observability.NewLogger(cfg.Logger)
	defer log.Sync()
	log.Info("puppetd starting")

	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	cipher, err := crypto.New(cfg.Crypto.Secret)
	if err != nil {
		log.Fatal("cookie cipher", zap.Error(err))
	}

	assigner := proxy.NewAssigner(proxy.Config{
		Provider:  cfg.Proxy.Provider,
		Username:  cfg.Proxy.Username,
		Password:  cfg.Proxy.Password,
		Host:      cfg.Proxy.Host,
		PortStart: cfg.Proxy.PortStart,
		PortEnd:   cfg.Proxy.PortEnd,
		Endpoint:  cfg.Proxy.Endpoint,
	}, nil)

	engine, cloud, probe := buildRuntimes(cfg, log)

	orch := orchestrator.New(st, assigner, engine, cloud, probe, log)
	harvester := harvest.New(st, cipher, log)
	q := queue.New(rdb, cfg.Redis.QueueKey)
	counters := quota.New(rdb, cfg.Redis.QuotaPrefix)
	creditLedger := ledger.New(st, log)

	w := worker.New(worker.Config{
		Concurrency: cfg.Worker.Concurrency,
		MaxAttempts: cfg.Worker.MaxAttempts,
	}, q, st, cipher, assigner, counters, creditLedger, accountSettings(cfg.Worker), log)
	w.Register(models.ActionSendConnection, worker.NewConnectAction(log))
	w.Register(models.ActionSendMessage, worker.NewMessageAction(log))

	workerCtx, stopWorker := context.WithCancel(context.Background())
	go func() {
		if err := w.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			log.Error("worker stopped", zap.Error(err))
		}
	}()

	handler := api.NewHandler(orch, harvester, q, st, log)
	router := handler.Routes(
		ratelimit.NewPerUser(cfg.Server.RequestsPerHour, cfg.Server.Burst),
		cfg.Server.RequestsPerHour,
	)
	srv := api.NewServer(cfg.Server.Addr, router, log)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	stopWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", zap.Error(err))
	}
	log.Info("stopped cleanly")
}

// buildRuntimes wires whichever sandbox backends the configuration enables.
// An unreachable engine at boot is not fatal: availability is probed per
// request so the engine can come and go.
func buildRuntimes(cfg *config.Config, log *zap.Logger) (runtime.Adapter, runtime.Adapter, orchestrator.AvailabilityProbe) {
	var engine *runtime.DockerAdapter
	if cfg.Engine.Host != "" {
		var err error
		engine, err = runtime.NewDockerAdapter(runtime.EngineConfig{
			Host:       cfg.Engine.Host,
			TLSEnabled: cfg.Engine.TLSEnabled,
			TLS: runtime.TLSMaterial{
				CAFile:   cfg.Engine.TLSCAFile,
				CertFile: cfg.Engine.TLSCertFile,
				KeyFile:  cfg.Engine.TLSKeyFile,
				CAData:   cfg.Engine.TLSCAData,
				CertData: cfg.Engine.TLSCertData,
				KeyData:  cfg.Engine.TLSKeyData,
			},
			Image:            cfg.Engine.Image,
			PortRangeStart:   cfg.Engine.PortRangeStart,
			PortRangeEnd:     cfg.Engine.PortRangeEnd,
			PublicStreamHost: cfg.Engine.PublicStreamHost,
			PublicEngineHost: cfg.Engine.PublicEngineHost,
			LoginURL:         cfg.Engine.LoginURL,
		}, log)
		if err != nil {
			log.Fatal("container engine adapter", zap.Error(err))
		}
	}

	cloudCfg := runtime.CloudConfig{BaseURL: cfg.Cloud.BaseURL, Token: cfg.Cloud.Token}
	var cloud *runtime.CloudAdapter
	if cloudCfg.Configured() {
		cloud = runtime.NewCloudAdapter(cloudCfg, log)
	}

	probe := func(ctx context.Context) runtime.Availability {
		avail := runtime.Availability{CloudConfigured: cloud != nil}
		if engine != nil {
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			avail.EngineReachable = engine.Ping(pingCtx) == nil
		}
		return avail
	}

	var e, c runtime.Adapter
	if engine != nil {
		e = engine
	}
	if cloud != nil {
		c = cloud
	}
	return e, c, probe
}

// accountSettings maps the configured defaults onto the per-account gate.
func accountSettings(cfg config.WorkerConfig) worker.SettingsSource {
	days := []time.Weekday{
		time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
	}
	if !cfg.WeekendsOff {
		days = append(days, time.Saturday, time.Sunday)
	}
	return &worker.StaticSettings{Account: worker.AccountSettings{
		Window: schedule.Window{
			Days:      days,
			StartHour: cfg.WorkdayStartHour,
			EndHour:   cfg.WorkdayEndHour,
			Timezone:  cfg.Timezone,
		},
		DailyLimit: map[models.ActionKind]int{
			models.ActionSendConnection: cfg.DailyConnectionLimit,
			models.ActionSendMessage:    cfg.DailyMessageLimit,
		},
		CreditCost: map[models.ActionKind]int{
			models.ActionSendConnection: cfg.ConnectionCredits,
			models.ActionSendMessage:    cfg.MessageCredits,
		},
	}}
}
