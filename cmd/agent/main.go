package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gg_jobs_agent/internal/api"
	"gg_jobs_agent/internal/api/handler"
	"gg_jobs_agent/internal/app/agent"
	"gg_jobs_agent/internal/common/security"
	"gg_jobs_agent/internal/platform/broker"
	"gg_jobs_agent/internal/platform/config"
	"gg_jobs_agent/internal/platform/lock"
	"gg_jobs_agent/internal/platform/logger"
	"gg_jobs_agent/internal/platform/redisclient"

	"github.com/redis/go-redis/v9"
)

func main() {
	// 1. Load Configuration
	if err := config.Load(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	cfg := config.AppConfig

	// 2. Initialize Logger
	lg := logger.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(lg)
	lg.Info("configuration loaded", "thing_name", cfg.ThingName, "broker", cfg.Broker, "lock_backend", cfg.JobLockBackend)

	// 3. Initialize JWT
	security.InitJWT(cfg.JWTKey, cfg.JWTExp)
	if security.TokenAuth == nil {
		lg.Info("JWT_SECRET not set, operator routes disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Initialize Redis if any component needs it
	var rdb *redis.Client
	if cfg.UsesRedis() {
		var err error
		rdb, err = redisclient.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			lg.Error("redis connect failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		lg.Info("redis connected", "addr", cfg.RedisAddr)
	}

	// 5. Initialize Broker
	var b broker.Broker
	switch cfg.Broker {
	case config.BrokerRedis:
		b = broker.NewRedisBroker(rdb, lg)
	default:
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		mb, err := broker.ConnectMQTT(connectCtx, broker.MQTTOptions{
			BrokerURL:      cfg.MQTTBrokerURL,
			ClientID:       cfg.MQTTClientID,
			UniqueClientID: cfg.MQTTUniqueID,
			ThingName:      cfg.ThingName,
			QoS:            byte(cfg.MQTTQoS),
			CAFile:         cfg.MQTTCAFile,
			CertFile:       cfg.MQTTCertFile,
			KeyFile:        cfg.MQTTKeyFile,
			CleanSession:   cfg.MQTTCleanSession,
		}, lg)
		cancel()
		if err != nil {
			lg.Error("mqtt connect failed", "err", err)
			os.Exit(1)
		}
		b = mb
	}
	defer b.Close()

	// 6. Initialize Job Lock
	var locker lock.Locker = lock.NewMemoryLocker()
	if cfg.JobLockBackend == config.LockBackendRedis {
		locker = lock.NewRedisLocker(rdb, cfg.JobLockKey, time.Duration(cfg.JobLockTTLSeconds)*time.Second, lg)
	}

	// 7. Initialize Agent and drain the queue
	jobAgent := agent.New(agent.Options{
		ThingName:          cfg.ThingName,
		TopicPrefix:        cfg.TopicPrefix,
		DebugTopic:         cfg.DebugTopic,
		StepTimeoutMinutes: cfg.StepTimeoutMinutes,
		Locker:             locker,
		Logger:             lg,
	}, b)
	if err := jobAgent.Start(ctx, b); err != nil {
		lg.Error("agent start failed", "err", err)
		os.Exit(1)
	}
	lg.Info("job agent started", "filter", jobAgent.Topics().SubscriptionFilter())

	// 8. Status API
	var server *http.Server
	if cfg.APIPort != "" {
		router := api.NewRouter(handler.NewAgentHandler(jobAgent, lg), b.IsConnected)
		server = &http.Server{
			Addr:         ":" + cfg.APIPort,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			lg.Info("status API starting", "port", cfg.APIPort)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				lg.Error("status API stopped", "err", err)
				stop()
			}
		}()
	}

	// 9. Graceful Shutdown
	<-ctx.Done()
	lg.Info("shutting down")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("status API shutdown failed", "err", err)
		}
	}
	lg.Info("agent stopped")
}
