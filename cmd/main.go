package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/schoolbus-tracking/internal/auth"
	"github.com/ukydev/schoolbus-tracking/internal/config"
	"github.com/ukydev/schoolbus-tracking/internal/db"
	"github.com/ukydev/schoolbus-tracking/internal/hub"
	"github.com/ukydev/schoolbus-tracking/internal/mqttbridge"
	"github.com/ukydev/schoolbus-tracking/internal/relay"
	"github.com/ukydev/schoolbus-tracking/internal/server"
	"github.com/ukydev/schoolbus-tracking/internal/tracking"
)

// stores bundles the two collections the service runs on.
type stores struct {
	vehicles db.VehicleCollection
	users    db.UserCollection
	close    func(context.Context) error
}

func setupLogging(cfg config.Config) error {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	log.SetLevel(level)

	switch cfg.LogFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("invalid log format %q", cfg.LogFormat)
	}
	return nil
}

func openStores(ctx context.Context, cfg config.Config, authService *auth.Service) (*stores, error) {
	switch cfg.StoreBackend {
	case "mongo":
		client, err := db.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		database := client.Database(cfg.MongoDB)
		if err := db.EnsureIndexes(ctx, database); err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}
		log.WithField("database", cfg.MongoDB).Info("Connected to MongoDB")
		return &stores{
			vehicles: &db.MongoVehicleCollection{Collection: database.Collection(db.VehiclesCollection)},
			users:    &db.MongoUserCollection{Collection: database.Collection(db.UsersCollection)},
			close:    client.Disconnect,
		}, nil

	case "memory":
		store := db.NewMemoryStore()
		if cfg.SeedFile != "" {
			if err := db.LoadSeed(ctx, store, cfg.SeedFile, authService.HashPassword); err != nil {
				return nil, err
			}
			log.WithField("seed_file", cfg.SeedFile).Info("Loaded seed data")
		}
		log.Warn("Using in-memory store, state is lost on restart")
		return &stores{
			vehicles: store,
			users:    store,
			close:    func(context.Context) error { return nil },
		}, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

func run(ctx context.Context, cfg config.Config) error {
	authService, err := auth.NewService(cfg.JWTSecret, cfg.JWTExpiry)
	if err != nil {
		return err
	}

	st, err := openStores(ctx, cfg, authService)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.close(context.Background()); err != nil {
			log.WithError(err).Warn("Closing store failed")
		}
	}()

	h := hub.New(cfg.SessionQueueSize)

	var eventRelay tracking.Relay
	if cfg.NatsURL != "" {
		nc, err := relay.Connect(cfg.NatsURL)
		if err != nil {
			return err
		}
		defer nc.Drain()
		eventRelay = relay.NewNATSRelay(nc, cfg.NatsSubjectPrefix)
		log.WithField("url", cfg.NatsURL).Info("Relaying tracking events to NATS")
	}

	service := tracking.NewService(st.vehicles, h, eventRelay, cfg.TrackingStaleAfter)
	go service.RunStaleSweeper(ctx, cfg.StaleSweepInterval)

	if cfg.MQTTBrokerURL != "" {
		bridge := mqttbridge.NewBridge(service, authService, cfg.MQTTTopicPrefix)
		if err := bridge.Start(cfg.MQTTBrokerURL, cfg.MQTTClientID); err != nil {
			return err
		}
		defer bridge.Stop()
	}

	router := server.NewRouter(server.Deps{
		Auth:            authService,
		Users:           st.users,
		Vehicles:        st.vehicles,
		Tracking:        service,
		Hub:             h,
		IngestRateLimit: cfg.IngestRateLimit,
	})

	return server.Run(ctx, ":"+cfg.Port, router, cfg.ShutdownTimeout)
}

func main() {
	cfg := config.Load()
	if err := setupLogging(cfg); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("Server exited")
	}
	log.Info("Server stopped")
}
