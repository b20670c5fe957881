package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/tasklease/internal/api"
	"github.com/mattjoyce/tasklease/internal/auth"
	"github.com/mattjoyce/tasklease/internal/clock"
	"github.com/mattjoyce/tasklease/internal/config"
	"github.com/mattjoyce/tasklease/internal/engine"
	"github.com/mattjoyce/tasklease/internal/expiry"
	"github.com/mattjoyce/tasklease/internal/lock"
	"github.com/mattjoyce/tasklease/internal/log"
	"github.com/mattjoyce/tasklease/internal/logstream"
	"github.com/mattjoyce/tasklease/internal/push"
	"github.com/mattjoyce/tasklease/internal/state"
	"github.com/mattjoyce/tasklease/internal/storage"
	"github.com/mattjoyce/tasklease/internal/subscription"
)

// node is one partition with everything wired around it.
type node struct {
	cfg    *config.Config
	logger *slog.Logger

	lock        *lock.PartitionLock
	db          *sql.DB
	log         *logstream.Log
	store       *state.Store
	registry    *subscription.Registry
	matcher     *subscription.Matcher
	hub         *push.Hub
	nats        *push.NATSPublisher
	loop        *engine.Loop
	checker     *expiry.Checker
	snapshotter *state.Snapshotter
	api         *api.Server
}

// openNode acquires the partition, restores the latest snapshot and opens
// the journaled log. Nothing runs until start.
func openNode(ctx context.Context, cfg *config.Config, clk clock.Clock) (n *node, err error) {
	pid := cfg.Service.PartitionID
	n = &node{cfg: cfg, logger: log.WithPartition(pid).With("component", "node")}
	defer func() {
		if err != nil {
			n.close()
		}
	}()

	lockPath := lock.PathFor(cfg.State.Path, pid)
	if n.lock, err = lock.Acquire(lockPath); err != nil {
		return nil, fmt.Errorf("acquire partition lock %s: %w", lockPath, err)
	}
	n.logger.Info("acquired partition lock", "path", lockPath)

	if n.db, err = storage.OpenSQLite(ctx, cfg.State.Path); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	n.logger.Info("database opened", "path", cfg.State.Path)

	n.store = state.NewStore()
	snaps := state.NewSnapshotStore(n.db, pid)
	view, found, err := snaps.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if found {
		n.store.Restore(view)
		n.logger.Info("snapshot restored", "position", view.Position, "tasks", len(view.Tasks))
	}

	n.log, err = logstream.Open(ctx, clk,
		logstream.WithCapacity(cfg.Log.Capacity),
		logstream.WithJournal(logstream.NewSQLiteJournal(n.db, pid)),
		logstream.WithTerm(cfg.Service.Term),
	)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	if head := n.log.Head(); head < n.store.Applied() {
		return nil, fmt.Errorf("snapshot position %d is ahead of log head %d", n.store.Applied(), head)
	}

	retry := logstream.RetryPolicy{
		Initial: cfg.Log.Submit.Initial,
		Max:     cfg.Log.Submit.Max,
		Budget:  cfg.Log.Submit.Budget,
	}

	n.registry = subscription.NewRegistry()
	n.matcher = subscription.NewMatcher(n.registry, n.log, n.store, clk, retry)

	n.hub = push.NewHub(cfg.Push.HubBacklog)
	pushers := push.Fanout{n.hub}
	if cfg.Push.Backend == config.PushBackendNATS {
		natsCfg := push.DefaultNATSConfig()
		natsCfg.URL = cfg.Push.NATS.URL
		natsCfg.SubjectPrefix = cfg.Push.NATS.SubjectPrefix
		natsCfg.Token = cfg.Push.NATS.Token
		natsCfg.Name = cfg.Service.Name
		if n.nats, err = push.NewNATSPublisher(natsCfg); err != nil {
			return nil, fmt.Errorf("connect push backend: %w", err)
		}
		pushers = append(pushers, n.nats)
		n.logger.Info("NATS push enabled", "url", natsCfg.URL, "subject_prefix", natsCfg.SubjectPrefix)
	}

	responder := api.NewResponder()
	feed := api.NewFeed(api.DefaultFeedBacklog)

	n.loop = engine.NewLoop(n.log, n.store, cfg.Service.Term,
		engine.WithResponses(responder),
		engine.WithPush(pushers),
		engine.WithMatcher(n.matcher),
		engine.WithObserver(feed.Observe),
		engine.WithPartition(pid),
	)

	n.checker = expiry.New(expiry.Options{
		Interval: cfg.Expiry.CheckInterval,
		Jitter:   cfg.Expiry.Jitter,
		Retry:    retry,
	}, clk, n.store, n.log, log.WithPartition(pid).With("component", "expiry"))

	n.snapshotter = state.NewSnapshotter(n.store, snaps, cfg.State.SnapshotInterval,
		log.WithPartition(pid).With("component", "snapshot"))

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{
				Token:  t.Token,
				Scopes: t.Scopes,
			})
		}
		n.api = api.New(api.Config{
			Listen:          cfg.API.Listen,
			APIKey:          cfg.API.Auth.APIKey,
			Tokens:          tokens,
			ResponseTimeout: cfg.API.ResponseTimeout,
			Retry:           retry,
		}, api.Deps{
			Log:           n.log,
			Tasks:         n.store,
			Subscriptions: n.registry,
			Responder:     responder,
			Feed:          feed,
			Push:          n.hub,
			Sweeper:       n.checker,
			Snapshotter:   n.snapshotter,
		}, log.WithComponent("api"))
	}

	return n, nil
}

// run starts every component and blocks until ctx is done or one of them
// fails. The returned error is nil on a clean shutdown.
func (n *node) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	loopDone := make(chan struct{})

	n.matcher.Start(ctx)
	go func() {
		defer close(loopDone)
		if err := n.loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("apply loop: %w", err)
		}
	}()
	n.checker.Start(ctx)
	n.snapshotter.Start(ctx)

	if n.api != nil {
		go func() {
			if err := n.api.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		n.logger.Info("API server enabled", "listen", n.cfg.API.Listen)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		n.logger.Error("component failed", "error", runErr)
	}

	cancel()
	n.checker.Stop()
	n.matcher.Stop()
	<-loopDone

	snapCtx, snapCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer snapCancel()
	if err := n.snapshotter.Stop(snapCtx); err != nil {
		n.logger.Error("final snapshot failed", "error", err)
	}
	return runErr
}

func (n *node) close() {
	if n.nats != nil {
		if err := n.nats.Close(); err != nil {
			n.logger.Warn("closing NATS connection", "error", err)
		}
	}
	if n.log != nil {
		n.log.Close()
	}
	if n.db != nil {
		_ = n.db.Close()
	}
	if n.lock != nil {
		_ = n.lock.Release()
	}
}
