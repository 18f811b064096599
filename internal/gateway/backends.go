// ABOUTME: Selection of the conversation store and event bus from configuration
// ABOUTME: SQLite and the in-memory bus are the single-process defaults

package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/desk-gateway/internal/config"
	"github.com/2389/desk-gateway/internal/eventbus"
	"github.com/2389/desk-gateway/internal/store"
	"github.com/2389/desk-gateway/internal/store/mongodb"
	"github.com/2389/desk-gateway/internal/store/postgres"
)

// openStore creates the store named by cfg.Driver.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch cfg.Driver {
	case config.DriverSQLite, "":
		s, err = store.NewSQLiteStore(cfg.Path)
	case config.DriverPostgres:
		s, err = postgres.Open(ctx, cfg.DSN, cfg.MaxConns)
	case config.DriverMongo:
		s, err = mongodb.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing %s store: %w", cfg.Driver, err)
	}
	logger.Info("store ready", "component", "gateway", "driver", cfg.Driver)
	return s, nil
}

// openBus creates the event bus named by cfg.Driver.
func openBus(ctx context.Context, cfg config.EventBusConfig, logger *slog.Logger) (eventbus.Bus, error) {
	switch cfg.Driver {
	case config.BusMemory, "":
		return eventbus.NewMemoryBus(logger), nil
	case config.BusAMQP:
		bus, err := eventbus.DialAMQP(ctx, eventbus.AMQPOptions{
			URL:           cfg.URL,
			Exchange:      cfg.Exchange,
			RetryAttempts: cfg.RetryAttempts,
			RetryDelay:    cfg.RetryDelay,
			Prefetch:      cfg.Prefetch,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting event bus: %w", err)
		}
		return bus, nil
	default:
		return nil, fmt.Errorf("unknown event bus driver %q", cfg.Driver)
	}
}
