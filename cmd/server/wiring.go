package main

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pesio-ai/be-procurement-approvals/internal/client"
	"github.com/pesio-ai/be-procurement-approvals/internal/config"
	"github.com/pesio-ai/be-procurement-approvals/internal/database"
	"github.com/pesio-ai/be-procurement-approvals/internal/logger"
	"github.com/pesio-ai/be-procurement-approvals/internal/repository"
	"github.com/pesio-ai/be-procurement-approvals/internal/service"
)

// app holds the process-wide dependencies shared by the commands.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	db      *database.DB
	mongo   *mongo.Client
	nats    *nats.Conn
	service *service.ApprovalService
}

// newApp connects the configured backends and assembles the approval service.
func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// Postgres backs the store, the rules, or just the audit log
	if cfg.Database.URL != "" {
		a.db, err = openDatabase(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connection established")
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	directory, err := loadDirectory(cfg.Workflow.DirectoryFile, log)
	if err != nil {
		return nil, err
	}

	var rules service.MandatoryApproverSource = directory
	if cfg.Workflow.RulesSource == "postgres" {
		rules = repository.NewDepartmentRulesRepository(a.db)
	}

	var audit service.AuditRecorder = auditLog{log: log}
	if a.db != nil {
		audit = repository.NewApprovalAuditRepository(a.db)
	}

	if cfg.NATS.URL != "" {
		a.nats, err = nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Service.Name),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Warn().Msg("nats.url not set; notifications and approval events are disabled")
	}

	notifier := client.NewNotificationPublisher(a.nats, cfg.NATS.SubjectPrefix, log)

	hooks := make(map[repository.RequestType]service.PostApprovalHook)
	if a.nats != nil {
		events := client.NewPostApprovalPublisher(a.nats, cfg.NATS.EventsPrefix, log)
		for _, t := range cfg.NATS.ApprovedEventTypes {
			rt := repository.RequestType(t)
			if !rt.Valid() {
				return nil, fmt.Errorf("nats.approved_event_types: unknown request type %q", t)
			}
			hooks[rt] = events
		}
	}

	a.service = service.NewApprovalService(store, directory, rules, directory, audit, notifier, service.Options{
		MaxCommitAttempts: cfg.Workflow.MaxCommitAttempts,
		AuditMandatory:    cfg.Workflow.AuditMandatory,
		NotifyTimeout:     cfg.Workflow.NotifyTimeout,
		Hooks:             hooks,
	}, log)

	log.Info().
		Str("store", cfg.Store.Backend).
		Str("rules_source", cfg.Workflow.RulesSource).
		Int("hooks", len(hooks)).
		Msg("Approval service initialized")
	return a, nil
}

func (a *app) openStore(ctx context.Context) (service.TransactionalStore, error) {
	switch a.cfg.Store.Backend {
	case "postgres":
		return repository.NewApprovalRequestRepository(a.db), nil
	case "mongo":
		mc, err := mongo.Connect(ctx, options.Client().
			ApplyURI(a.cfg.Mongo.URI).
			SetAppName(a.cfg.Service.Name))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		a.mongo = mc
		if err := mc.Ping(ctx, nil); err != nil {
			return nil, fmt.Errorf("failed to ping mongo: %w", err)
		}
		store := repository.NewMongoStore(mc.Database(a.cfg.Mongo.Database).Collection(a.cfg.Mongo.Collection))
		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		a.log.Info().
			Str("database", a.cfg.Mongo.Database).
			Str("collection", a.cfg.Mongo.Collection).
			Msg("Mongo store ready")
		return store, nil
	default:
		a.log.Warn().Msg("Using in-memory store; approval requests are lost on restart")
		return repository.NewMemoryStore(), nil
	}
}

// Close releases every connection the app opened.
func (a *app) Close() {
	if a.service != nil {
		a.service.Wait()
	}
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			a.log.Warn().Err(err).Msg("NATS drain failed")
		}
	}
	if a.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.mongo.Disconnect(ctx); err != nil {
			a.log.Warn().Err(err).Msg("Mongo disconnect failed")
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	return database.New(ctx, database.Config{
		URL:         cfg.URL,
		MaxConns:    cfg.MaxConns,
		MinConns:    cfg.MinConns,
		MaxConnTime: cfg.MaxConnTime,
		MaxIdleTime: cfg.MaxIdleTime,
		HealthCheck: cfg.HealthCheck,
	})
}

func loadDirectory(path string, log *logger.Logger) (*client.StaticDirectory, error) {
	if path == "" {
		log.Warn().Msg("workflow.directory_file not set; every submission will fail chain resolution")
		return client.NewStaticDirectory(client.DirectoryFile{})
	}
	dir, err := client.LoadDirectory(path)
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Msg("Department directory loaded")
	return dir, nil
}

// auditLog records audit events to the service log when no database is
// configured.
type auditLog struct {
	log *logger.Logger
}

func (a auditLog) Record(_ context.Context, event *repository.AuditEvent) error {
	a.log.Info().
		Str("request_id", event.RequestID).
		Str("action", event.Action).
		Str("actor_id", event.ActorID).
		Int("level", event.Level).
		Str("status_after", string(event.StatusAfter)).
		Time("at", event.Timestamp).
		Msg("Approval audit event")
	return nil
}
