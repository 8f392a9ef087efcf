// Command docserver hosts collaborative chat documents over WebSocket. It
// keeps one server replica per open document, relays CRDT updates and
// presence between connected replicas, replicates across instances over
// NATS and persists transcripts to PostgreSQL.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/neurosift/nschat/internal/config"
	"github.com/neurosift/nschat/internal/logging"
	"github.com/neurosift/nschat/internal/messaging"
	"github.com/neurosift/nschat/internal/ratelimit"
	"github.com/neurosift/nschat/internal/room"
	"github.com/neurosift/nschat/internal/session"
	"github.com/neurosift/nschat/internal/store"
	"github.com/neurosift/nschat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logging.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Init(cfg.Log)
	log := logging.Component("docserver")

	ctx := context.Background()

	// --- PostgreSQL ---
	db, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to PostgreSQL")
	}
	if cfg.Database.MigrateOnStart {
		if err := store.Migrate(ctx, db.DB()); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate database")
		}
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "nschat-" + cfg.Server.Name
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}

	// --- Redis ---
	sessionStore, err := session.NewStore(cfg.Redis.Addr, cfg.Server.Name)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	limiter := ratelimit.NewLimiter(sessionStore.Client())

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.Server.ListenAddr
	serverConfig.WorkerPoolSize = cfg.Server.WorkerPoolSize
	serverConfig.MaxConnections = cfg.Server.MaxConnections
	serverConfig.ReadTimeout = cfg.Server.ReadTimeout
	serverConfig.WriteTimeout = cfg.Server.WriteTimeout

	log.Info().
		Str("listen_addr", serverConfig.ListenAddr).
		Int("worker_pool", serverConfig.WorkerPoolSize).
		Int("max_connections", serverConfig.MaxConnections).
		Str("nats_url", natsConfig.URL).
		Str("redis_addr", cfg.Redis.Addr).
		Str(logging.FieldServer, cfg.Server.Name).
		Dur("autosave", cfg.Room.AutosaveInterval).
		Msg("docserver starting")

	// Declare server early so the room sender can capture it.
	var server *ws.Server

	rooms := room.NewManager(room.ManagerConfig{
		ServerName: cfg.Server.Name,
		Store:      db,
		Sender: room.SenderFunc(func(connID string, data []byte) error {
			return server.SendMessage(connID, data)
		}),
		Replicator:       natsClient,
		AutosaveInterval: cfg.Room.AutosaveInterval,
		AwarenessTimeout: cfg.Room.AwarenessTimeout,
	})

	dispatcher := ws.NewMessageDispatcher()
	server = ws.NewServer(serverConfig, sessionStore, dispatcher.Dispatch)
	server.SetConnectLimiter(limiter)

	h := newHandlers(rooms, server, sessionStore, limiter)
	h.register(dispatcher)
	server.SetOnDisconnect(h.disconnect)

	rooms.Start()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
		if err := rooms.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("saving documents on shutdown failed")
		}
		natsClient.Close()
		if err := sessionStore.Close(); err != nil {
			log.Error().Err(err).Msg("session store close error")
		}
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("database close error")
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}
