package weft

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/weft/internal/config"
	"github.com/petrijr/weft/internal/persistence"
	"github.com/petrijr/weft/internal/taskqueue"
	"github.com/petrijr/weft/internal/transport/httprunner"
	"github.com/petrijr/weft/internal/transport/memory"
	"github.com/petrijr/weft/internal/transport/redisbus"
	"github.com/petrijr/weft/internal/transport/socketio"
	"github.com/petrijr/weft/pkg/api"
	"github.com/petrijr/weft/pkg/worker"
)

const redisPrefix = "weft:"

// Stack is a fully wired set of session dependencies built from Config.
type Stack struct {
	Store      persistence.Persistence
	Runner     api.Runner
	Subscriber api.Subscriber

	// Local is set when runs execute in process.
	Local *LocalRunner

	closers []func() error
}

// Deps returns the dependencies for NewSession.
func (s *Stack) Deps() Deps {
	return Deps{Store: s.Store, Runner: s.Runner, Subscriber: s.Subscriber}
}

// Close stops local workers and releases connections.
func (s *Stack) Close() error {
	if s.Local != nil {
		s.Local.Stop()
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// OpenStack connects the configured backends.
//
// Storage picks the workflow, edge and event store. RedisAddr, when set,
// moves schema records and run status onto Redis, and queued runs too
// unless the storage backend already keeps them. RunnerURL selects a
// remote runner, whose status arrives over socket.io (StatusURL) or Redis;
// without it runs execute in process on executor, with workers already
// started.
func OpenStack(ctx context.Context, cfg config.Config, executor api.NodeExecutor, logger *slog.Logger) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	st := &Stack{}
	queue, err := st.openStorage(ctx, cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var bus StatusBus
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			_ = st.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		st.closers = append(st.closers, client.Close)
		st.Store.Schemas = persistence.NewRedisSchemaStore(client, redisPrefix)
		bus = redisbus.New(client, redisPrefix)
		if _, inProcess := queue.(*taskqueue.InMemoryQueue); inProcess {
			queue = taskqueue.NewRedisQueue(client, redisPrefix)
		}
	}

	if cfg.RunnerURL != "" {
		if err := st.openRemote(cfg, bus, logger); err != nil {
			_ = st.Close()
			return nil, err
		}
		return st, nil
	}

	if executor == nil {
		_ = st.Close()
		return nil, errors.New("weft: in-process runner needs a node executor")
	}
	if bus == nil {
		bus = memory.NewBroker()
	}
	wcfg := worker.DefaultConfig()
	wcfg.Logger = logger
	st.Local = newLocalRunner(queue, bus, st.Store.Workflows, executor, wcfg)
	if err := st.Local.StartWorkers(context.WithoutCancel(ctx), 2); err != nil {
		_ = st.Close()
		return nil, err
	}
	st.Runner, st.Subscriber = st.Local, st.Local
	return st, nil
}

// openStorage fills st.Store and returns the run queue that matches it.
func (st *Stack) openStorage(ctx context.Context, cfg config.Config) (taskqueue.Queue, error) {
	switch cfg.Storage {
	case config.StorageSQLite:
		db, err := sql.Open("sqlite", cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, db.Close)
		store, err := persistence.NewSQLiteStore(db)
		if err != nil {
			return nil, err
		}
		st.Store = persistence.Persistence{Workflows: store, Edges: store, Schemas: store, Events: store}
		return taskqueue.NewSQLiteQueue(db)

	case config.StoragePostgres:
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, db.Close)
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		store, err := persistence.NewPostgresStore(db)
		if err != nil {
			return nil, err
		}
		st.Store = persistence.Persistence{Workflows: store, Edges: store, Schemas: store, Events: store}
		return taskqueue.NewPostgresQueue(db)

	case config.StorageMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		st.closers = append(st.closers, func() error { return client.Disconnect(context.Background()) })
		workflows, err := persistence.NewMongoWorkflowStore(ctx, client, "", "")
		if err != nil {
			return nil, err
		}
		// Mongo only holds workflow records; the rest stays in process.
		mem := persistence.NewInMemoryStore()
		st.Store = persistence.Persistence{Workflows: workflows, Edges: mem, Schemas: mem, Events: mem}
		return taskqueue.NewInMemoryQueue(), nil

	default:
		st.Store = persistence.NewInMemory()
		return taskqueue.NewInMemoryQueue(), nil
	}
}

func (st *Stack) openRemote(cfg config.Config, bus StatusBus, logger *slog.Logger) error {
	runner, err := httprunner.New(cfg.RunnerURL)
	if err != nil {
		return err
	}
	st.Runner = runner

	switch {
	case cfg.StatusURL != "":
		sub, err := socketio.NewSubscriber(socketio.Options{
			URL:                cfg.StatusURL,
			InsecureSkipVerify: cfg.StatusInsecure,
			Logger:             logger,
		})
		if err != nil {
			return err
		}
		st.Subscriber = sub
	case bus != nil:
		st.Subscriber = bus
	default:
		return fmt.Errorf("weft: a remote runner needs %s or %s for run status", config.EnvStatusURL, config.EnvRedisAddr)
	}
	return nil
}
