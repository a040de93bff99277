package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whatsgate-project/whatsgate/api"
	"github.com/whatsgate-project/whatsgate/config"
	"github.com/whatsgate-project/whatsgate/downstream"
	"github.com/whatsgate-project/whatsgate/logger"
	"github.com/whatsgate-project/whatsgate/protocol/bridge"
	"github.com/whatsgate-project/whatsgate/relay"
	"github.com/whatsgate-project/whatsgate/resilience"
	"github.com/whatsgate-project/whatsgate/session"
	"github.com/whatsgate-project/whatsgate/store"
	"github.com/whatsgate-project/whatsgate/types"
)

func main() {
	configPath := flag.String("config", "gateway.yaml", "path to the YAML config file")
	flag.Parse()

	env := config.LoadEnv()
	log := logger.GetLogger()
	log.SetService("whatsgate")
	log.SetLevel(logger.ParseLevel(env.LogLevel))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", err)
	}

	st, err := store.New(env.CredentialsDir)
	if err != nil {
		logger.Fatal("failed to open credential store", err)
	}

	registry := session.NewRegistry()

	hub := relay.NewHub(func(id string) (types.SessionInfo, bool) {
		s, ok := registry.Get(id)
		if !ok {
			return types.SessionInfo{}, false
		}
		return s.Snapshot(), true
	}, log)
	hub.SetLimits(cfg.Relay.SendBufferSize, int64(cfg.Relay.ReadLimitBytes))
	go hub.Run()

	notifier := downstream.New(env.DBURL, env.DBWebhookURL, log)
	connector := bridge.NewConnector(env.BridgeURL, log)

	mgr := session.NewManager(registry, st, connector, hub, notifier, session.ManagerConfig{
		Backoff: &resilience.BackoffPolicy{
			InitialDelay: time.Duration(cfg.Reconnect.InitialDelay),
			MaxDelay:     time.Duration(cfg.Reconnect.MaxDelay),
			Multiplier:   cfg.Reconnect.Multiplier,
			Jitter:       cfg.Reconnect.Jitter,
			MaxAttempts:  cfg.Reconnect.MaxAttempts,
		},
		RestoreTimeout: time.Duration(cfg.RestoreTimeout),
		PairingRetries: cfg.PairingRetries,
	}, log)

	mux := http.NewServeMux()
	api.NewServer(mgr, log).Routes(mux)
	mux.HandleFunc("/ws", hub.ServeWS)

	server := &http.Server{
		Addr:           env.ListenAddr,
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		log.Infof("server listening on %s", env.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", err)
		}
	}()

	// Reconnect previously registered sessions in the background.
	go mgr.RestoreAll(context.Background())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mgr.StopAll(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", err)
	}
}
