package app

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	httpapi "github.com/execution-hub/convoflow/internal/api/http"
	"github.com/execution-hub/convoflow/internal/application/arbiter"
	appAudit "github.com/execution-hub/convoflow/internal/application/audit"
	"github.com/execution-hub/convoflow/internal/application/closure"
	"github.com/execution-hub/convoflow/internal/application/inbound"
	"github.com/execution-hub/convoflow/internal/application/ingest"
	"github.com/execution-hub/convoflow/internal/application/sweeper"
	"github.com/execution-hub/convoflow/internal/config"
	"github.com/execution-hub/convoflow/internal/domain/audit"
	"github.com/execution-hub/convoflow/internal/domain/conversation"
	"github.com/execution-hub/convoflow/internal/infrastructure/dynamostore"
	"github.com/execution-hub/convoflow/internal/infrastructure/keystore"
	"github.com/execution-hub/convoflow/internal/infrastructure/memory"
	"github.com/execution-hub/convoflow/internal/infrastructure/postgres"
	"github.com/execution-hub/convoflow/internal/infrastructure/sqlite"
	"github.com/execution-hub/convoflow/internal/infrastructure/sse"
	"github.com/execution-hub/convoflow/internal/migrations"
)

// Backend is everything the services need from a storage driver.
type Backend interface {
	conversation.Store
	conversation.MessageStore
	audit.Repository
}

// pgBackend joins the per-table Postgres repositories into one Backend.
type pgBackend struct {
	*postgres.ConversationRepository
	*postgres.MessageRepository
	*postgres.AuditRepository
}

// App is the wired service graph.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Backend Backend

	Hub     *sse.Hub
	Arbiter *arbiter.Service
	Guard   *ingest.Guard
	Inbound *inbound.Service
	Closure *closure.Consumer
	Audit   *appAudit.Service
	Sweeper *sweeper.Sweeper

	closers []func()
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// New opens the configured backend and wires every service on top of it.
// responder may be nil.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, responder inbound.Responder) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	backend, err := a.openBackend(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Backend = backend

	signKey, err := a.signingKey(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	if signKey == nil {
		logger.Warn().Msg("audit signing key not configured; transitions will be unsigned")
	}

	a.Hub = sse.NewHub()
	a.closers = append(a.closers, a.Hub.Stop)

	a.Arbiter = arbiter.NewService(backend, a.Hub, logger, signKey, arbiter.Config{
		IntentTTL:   cfg.Lifecycle.IntentTTL,
		MaxLifetime: cfg.Lifecycle.MaxLifetime,
	})
	a.Guard = ingest.NewGuard(backend, logger)
	a.Inbound = inbound.NewService(backend, a.Guard, a.Arbiter, responder, logger)
	a.Closure, err = closure.NewConsumer(a.Arbiter, closure.Config{
		Threshold: cfg.Closure.Threshold,
		Policy:    cfg.Closure.Policy,
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("closure policy: %w", err)
	}
	a.Audit = appAudit.NewService(backend, logger, signKey)
	a.Sweeper = sweeper.New(backend, a.Arbiter, sweeper.Config{
		Interval:    cfg.Sweeper.Interval,
		IdleAfter:   cfg.Sweeper.IdleAfter,
		ExpireAfter: cfg.Sweeper.ExpireAfter,
		BatchSize:   cfg.Sweeper.BatchSize,
	}, logger)

	return a, nil
}

// Server builds the HTTP API over the wired services.
func (a *App) Server() *httpapi.Server {
	return httpapi.NewServer(a.Backend, a.Backend, a.Arbiter, a.Inbound, a.Closure, a.Audit, a.Hub, a.Logger)
}

// Close releases the backend and stops the feed. Safe to call more than once.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) openBackend(ctx context.Context) (Backend, error) {
	cfg := a.Config.Store
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := OpenPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		return &pgBackend{
			ConversationRepository: postgres.NewConversationRepository(pool),
			MessageRepository:      postgres.NewMessageRepository(pool),
			AuditRepository:        postgres.NewAuditRepository(pool),
		}, nil
	case config.DriverSQLite:
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		return store, nil
	case config.DriverDynamoDB:
		awsCfg, err := a.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		return dynamostore.NewFromConfig(awsCfg, cfg.DynamoDBTable)
	case config.DriverMemory:
		a.Logger.Warn().Msg("memory store selected; state is lost on exit")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// OpenPostgres connects and applies the schema.
func OpenPostgres(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	var schema fs.FS = migrations.FS
	if cfg.MigrationsDir != "" {
		schema = os.DirFS(cfg.MigrationsDir)
	}
	if err := postgres.RunMigrations(ctx, pool, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return pool, nil
}

func (a *App) signingKey(ctx context.Context) ([]byte, error) {
	cfg := a.Config.Audit
	var api keystore.ParameterAPI
	if cfg.SigningKeyHex == "" && cfg.SigningKeyParam != "" {
		awsCfg, err := a.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		api = ssm.NewFromConfig(awsCfg)
	}
	key, err := keystore.Resolve(ctx, cfg.SigningKeyHex, cfg.SigningKeyParam, api)
	if err != nil {
		return nil, fmt.Errorf("audit signing key: %w", err)
	}
	return key, nil
}

func (a *App) awsConfig(ctx context.Context) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("aws config: %w", err)
	}
	return awsCfg, nil
}
