package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/redis/go-redis/v9"

	natsclient "github.com/telhawk-systems/telhawk-detection/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/auth"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/config"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/engine"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/exceptions"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/lease"
	detectionnats "github.com/telhawk-systems/telhawk-detection/detection/internal/nats"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/registry"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/repository"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/status"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/storage"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/valuelists"
)

// app holds the connections shared by the commands that run rules.
type app struct {
	repo    *repository.PostgresRepository
	backend *storage.OpenSearch
	redis   *redis.Client
	nats    *natsclient.Client
}

func runMigrations(c *config.Config) error {
	m, err := migrate.New(c.Database.MigrationsPath, c.Database.Postgres.ConnString())
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// connect opens the repository, OpenSearch, and the optional Redis and NATS
// connections. withNATS is false for one-shot commands.
func connect(ctx context.Context, c *config.Config, withNATS bool) (*app, error) {
	a := &app{}

	repo, err := repository.NewPostgresRepository(ctx, c.Database.Postgres.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	a.repo = repo

	a.backend, err = storage.New(storage.Config{
		URL:      c.OpenSearch.URL,
		Username: c.OpenSearch.Username,
		Password: c.OpenSearch.Password,
		Insecure: c.OpenSearch.Insecure,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to connect to OpenSearch: %w", err)
	}

	if c.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
	}

	if withNATS && c.NATS.Enabled {
		natsCfg := natsclient.DefaultConfig()
		natsCfg.URL = c.NATS.URL
		natsCfg.MaxReconnects = c.NATS.MaxReconnects
		natsCfg.ReconnectWait = c.NATS.ReconnectWait
		natsCfg.HandlerTimeout = c.NATS.HandlerTimeout
		natsCfg.Token = c.NATS.Token
		a.nats, err = natsclient.NewClient(natsCfg)
		if err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) close() {
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			logger.Warn("failed to drain NATS connection", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.repo != nil {
		a.repo.Close()
	}
}

func (a *app) listLookup(c *config.Config) (exceptions.ListLookup, error) {
	var next exceptions.ListLookup
	switch c.ValueLists.Backend {
	case "redis":
		if a.redis == nil {
			return nil, errors.New("valuelists.backend redis requires a Redis connection")
		}
		next = valuelists.NewRedis(a.redis)
	case "postgres":
		next = valuelists.NewPostgres(a.repo.Pool())
	default:
		return nil, nil
	}
	if c.ValueLists.CacheSize > 0 {
		return valuelists.NewCached(next, c.ValueLists.CacheSize, c.ValueLists.CacheTTL), nil
	}
	return next, nil
}

func authorizer(c *config.Config) (engine.Authorizer, error) {
	if c.Auth.URL == "" {
		return auth.AllowAll{}, nil
	}
	return auth.NewClient(c.Auth.URL, c.Auth.Secret, c.Auth.Timeout)
}

// newEngine builds the rule engine on the app's connections.
func (a *app) newEngine(c *config.Config) (*engine.Engine, error) {
	lists, err := a.listLookup(c)
	if err != nil {
		return nil, err
	}
	authz, err := authorizer(c)
	if err != nil {
		return nil, err
	}

	sinks := []status.Sink{a.repo, status.NewLog(logger)}
	deps := engine.Deps{
		Backend:    a.backend,
		RuleTypes:  registry.Default(),
		Exceptions: a.repo,
		Auth:       authz,
		Logger:     logger,
		Lease:      lease.Noop{},
	}
	if lists != nil {
		deps.Lists = lists
	}
	if a.redis != nil {
		deps.Lease = lease.NewRedis(a.redis)
	}
	if a.nats != nil {
		publisher := detectionnats.NewPublisher(a.nats)
		deps.Notifier = publisher
		sinks = append(sinks, publisher)
	}
	deps.Status = status.NewMulti(sinks...)

	return engine.New(deps, engine.Options{
		AlertsIndexPrefix: c.OpenSearch.AlertsIndexPrefix,
		PageSize:          c.OpenSearch.PageSize,
		Tiebreaker:        c.OpenSearch.Tiebreaker,
		SearchTimeout:     c.OpenSearch.SearchTimeout,
		BulkTimeout:       c.OpenSearch.BulkTimeout,
		BulkBatchSize:     c.OpenSearch.BulkBatchSize,
		Refresh:           c.OpenSearch.Refresh,
		AnomaliesIndex:    c.OpenSearch.AnomaliesIndex,
		LeaseTTL:          c.Scheduler.LeaseTTL,
	})
}
