// Package app wires configuration into a running reconciler: ledger store,
// locking, classifier rules, engine, gateway and upload archive. The api,
// cli and sync-notion commands share it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/finance-reconciler/internal/classifier"
	"github.com/dvloznov/finance-reconciler/internal/config"
	"github.com/dvloznov/finance-reconciler/internal/gateway"
	"github.com/dvloznov/finance-reconciler/internal/gcsuploader"
	"github.com/dvloznov/finance-reconciler/internal/ledger"
	bqstore "github.com/dvloznov/finance-reconciler/internal/ledger/bigquery"
	"github.com/dvloznov/finance-reconciler/internal/ledger/postgres"
	"github.com/dvloznov/finance-reconciler/internal/lock"
	"github.com/dvloznov/finance-reconciler/internal/metrics"
	"github.com/dvloznov/finance-reconciler/internal/reconcile"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// App holds the wired services.
type App struct {
	Config  *config.Config
	Log     zerolog.Logger
	Store   *ledger.Guarded
	Ledger  *ledger.Ledger
	Engine  *reconcile.Engine
	Gateway *gateway.Gateway
	Archive gcsuploader.Archive // nil without archive.bucket
	Metrics metrics.Recorder

	closers []func() error
}

// Options customizes New.
type Options struct {
	// Metrics receives engine and gateway events; nil discards them.
	Metrics metrics.Recorder
	// WithArchive connects to Cloud Storage when a bucket is configured.
	WithArchive bool
}

// New builds an App from cfg. Close releases every connection it opened.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts Options) (_ *App, err error) {
	a := &App{Config: cfg, Log: log, Metrics: opts.Metrics}
	if a.Metrics == nil {
		a.Metrics = metrics.Nop{}
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Store = ledger.NewGuarded(store, ledger.GuardOptions{
		Name:             "ledger-" + cfg.Store.Driver,
		Timeout:          cfg.Store.OpTimeout,
		FailureThreshold: cfg.Store.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Store.Breaker.OpenTimeout,
	})
	a.Ledger = ledger.New(a.Store)

	locker, err := a.openLocker(ctx)
	if err != nil {
		return nil, err
	}

	c, err := LoadClassifier(cfg.Classifier.RulesPath)
	if err != nil {
		return nil, err
	}

	a.Engine = reconcile.New(a.Ledger, c, reconcile.Options{
		Workers:          cfg.Sync.Workers,
		MaskDescriptions: cfg.Sync.MaskDescriptions,
		Locker:           locker,
		Metrics:          a.Metrics,
	})
	a.Gateway = gateway.New(a.Engine, gateway.Options{
		Workers:      cfg.Sync.Workers,
		MaxRetries:   cfg.Sync.MaxRetries,
		RetryBackoff: cfg.Sync.RetryBackoff,
		Metrics:      a.Metrics,
	})

	if opts.WithArchive && cfg.Archive.Bucket != "" {
		objects, closeFn, err := gcsuploader.NewObjectStore(ctx)
		if err != nil {
			return nil, fmt.Errorf("New: %w", err)
		}
		a.closers = append(a.closers, closeFn)
		a.Archive = gcsuploader.NewGCSArchive(objects, cfg.Archive.Bucket)
	}

	log.Info().
		Str("store", cfg.Store.Driver).
		Str("lock", cfg.Lock.Driver).
		Int("rules_version", c.Version()).
		Bool("archive", a.Archive != nil).
		Msg("Reconciler initialized")
	return a, nil
}

func (a *App) openStore(ctx context.Context) (ledger.Store, error) {
	sc := a.Config.Store
	switch sc.Driver {
	case "memory":
		a.Log.Warn().Msg("Using the in-memory ledger; data is lost on exit")
		return ledger.NewMemoryStore(), nil
	case "postgres":
		s, err := postgres.Open(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case "bigquery":
		s, err := bqstore.NewStore(ctx, sc.ProjectID, sc.Dataset)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	default:
		return nil, fmt.Errorf("openStore: unknown driver %q", sc.Driver)
	}
}

func (a *App) openLocker(ctx context.Context) (lock.Locker, error) {
	lc := a.Config.Lock
	if lc.Driver != "redis" {
		return lock.Nop{}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: lc.RedisAddr})
	a.closers = append(a.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("openLocker: pinging redis at %s: %w", lc.RedisAddr, err)
	}
	return lock.NewRedisLocker(client, lock.RedisOptions{TTL: lc.TTL, Wait: lc.Wait}), nil
}

// LoadClassifier compiles the rules at path, or the built-in rules when path
// is empty.
func LoadClassifier(path string) (*classifier.Classifier, error) {
	if path == "" {
		return classifier.Default(), nil
	}
	rs, err := classifier.LoadRules(path)
	if err != nil {
		return nil, err
	}
	c, err := classifier.Compile(rs)
	if err != nil {
		return nil, fmt.Errorf("LoadClassifier: %s: %w", path, err)
	}
	return c, nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
