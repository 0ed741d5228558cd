// Package events invalidates cached read queries in response to contract
// logs, live over a subscription or replayed from a historical scan.
package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/khipuvault/khipu-client-go/chain"
	"github.com/khipuvault/khipu-client-go/internal/clock"
	"github.com/khipuvault/khipu-client-go/querycache"
)

const (
	initialReconnectDelay = 1 * time.Second
	maxReconnectDelay     = 30 * time.Second
)

// Rule binds one contract's events to the cache namespaces they stale.
type Rule struct {
	// Contract is the emitting address.
	Contract common.Address

	// ABI decodes topic0 into event names.
	ABI *abi.ABI

	// Events lists the event names this rule reacts to. Empty means
	// every event in the ABI.
	Events []string

	// Keys are the namespaces to invalidate when a matching log
	// arrives.
	Keys []querycache.Key

	// Everything invalidates the whole cache instead of Keys.
	Everything bool
}

type route struct {
	rule  Rule
	event string
}

// Router maps incoming logs to invalidation rules by contract address and
// topic0. It is shared between the live watcher and historical replay so
// both paths stale exactly the same namespaces.
type Router struct {
	routes map[common.Address]map[common.Hash]route
	cache  *querycache.Cache
	logger *slog.Logger
}

// NewRouter builds the topic routing table. Rules naming an event absent
// from their ABI are rejected.
func NewRouter(cache *querycache.Cache, rules []Rule, logger *slog.Logger) (*Router, error) {
	if cache == nil {
		return nil, errors.New("events: cache is required")
	}
	if len(rules) == 0 {
		return nil, errors.New("events: at least one rule is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	routes := make(map[common.Address]map[common.Hash]route)
	for _, r := range rules {
		if r.ABI == nil {
			return nil, fmt.Errorf("events: rule for %s has no ABI", r.Contract.Hex())
		}
		byTopic := routes[r.Contract]
		if byTopic == nil {
			byTopic = make(map[common.Hash]route)
			routes[r.Contract] = byTopic
		}

		names := r.Events
		if len(names) == 0 {
			for name := range r.ABI.Events {
				names = append(names, name)
			}
		}
		for _, name := range names {
			ev, ok := r.ABI.Events[name]
			if !ok {
				return nil, fmt.Errorf("events: rule for %s names unknown event %q", r.Contract.Hex(), name)
			}
			byTopic[ev.ID] = route{rule: r, event: name}
		}
	}

	return &Router{
		routes: routes,
		cache:  cache,
		logger: logger.With("component", "events"),
	}, nil
}

// Contracts returns the addresses the routing table covers.
func (r *Router) Contracts() []common.Address {
	out := make([]common.Address, 0, len(r.routes))
	for addr := range r.routes {
		out = append(out, addr)
	}
	return out
}

// Apply routes each log to its rule and invalidates the bound namespaces.
// Logs from unknown contracts or with unknown topics are logged and
// dropped; invalidation is idempotent, so replays are safe.
func (r *Router) Apply(logs []types.Log) {
	for _, l := range logs {
		byTopic, ok := r.routes[l.Address]
		if !ok {
			r.logger.Debug("log from unwatched contract, ignoring", "address", l.Address.Hex())
			continue
		}
		if len(l.Topics) == 0 {
			r.logger.Debug("log without topics, ignoring", "address", l.Address.Hex())
			continue
		}
		rt, ok := byTopic[l.Topics[0]]
		if !ok {
			r.logger.Debug("unknown event topic, ignoring",
				"address", l.Address.Hex(), "topic", l.Topics[0].Hex())
			continue
		}

		r.logger.Info("contract event staled cache",
			"address", l.Address.Hex(), "event", rt.event, "block", l.BlockNumber)
		if rt.rule.Everything {
			r.cache.InvalidateAll()
			continue
		}
		for _, key := range rt.rule.Keys {
			r.cache.Invalidate(key)
		}
	}
}

// Config holds the configuration for the live watcher.
type Config struct {
	// Backend supplies the log subscription.
	Backend chain.LogSource

	// Cache receives invalidations.
	Cache *querycache.Cache

	// Rules bind contracts and events to cache namespaces.
	Rules []Rule

	// RefetchActive re-runs populated queries after each batch of
	// invalidations so consumers see fresh values without polling.
	RefetchActive bool

	Logger  *slog.Logger
	Metrics *Metrics
}

func (c *Config) validate() error {
	if c.Backend == nil {
		return errors.New("events: Backend is required")
	}
	if c.Cache == nil {
		return errors.New("events: Cache is required")
	}
	if len(c.Rules) == 0 {
		return errors.New("events: Rules are required")
	}
	return nil
}

// Watcher keeps a log subscription alive and feeds every received log
// through the router. Connection loss is retried with doubling backoff.
type Watcher struct {
	cfg    Config
	router *Router
	logger *slog.Logger
	done   chan struct{}
}

// New validates the configuration and builds the routing table. The
// watcher does not connect until Run is called.
func New(cfg Config) (*Watcher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger := cfg.Logger.With("component", "events")

	router, err := NewRouter(cfg.Cache, cfg.Rules, cfg.Logger)
	if err != nil {
		return nil, err
	}

	return &Watcher{
		cfg:    cfg,
		router: router,
		logger: logger,
		done:   make(chan struct{}),
	}, nil
}

// Router exposes the routing table so historical scans can deliver into
// the same invalidation rules.
func (w *Watcher) Router() *Router {
	return w.router
}

// Run blocks until ctx is canceled, resubscribing with doubling backoff
// whenever the subscription drops.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.done)
	reconnectDelay := initialReconnectDelay

	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info("watcher context canceled, shutting down")
			return err
		}

		err := w.subscribeAndProcess(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			w.logger.Info("watcher context canceled, shutting down")
			return err
		}

		w.cfg.Metrics.observeReconnect()
		w.logger.Error("log subscription failed, will reconnect", "error", err, "delay", reconnectDelay)
		if serr := clock.SleepWithContext(ctx, reconnectDelay); serr != nil {
			return serr
		}
		reconnectDelay = min(reconnectDelay*2, maxReconnectDelay)
	}
}

// Done is closed when Run returns.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) subscribeAndProcess(ctx context.Context) error {
	query := ethereum.FilterQuery{Addresses: w.router.Contracts()}
	logCh := make(chan types.Log)

	sub, err := w.cfg.Backend.SubscribeLogs(ctx, query, logCh)
	if err != nil {
		return fmt.Errorf("events: subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	w.logger.Info("subscribed to contract logs", "contracts", len(w.router.routes))

	for {
		select {
		case l := <-logCh:
			w.handleLog(ctx, l)
		case err := <-sub.Err():
			if err == nil {
				return errors.New("events: subscription closed")
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Watcher) handleLog(ctx context.Context, l types.Log) {
	w.cfg.Metrics.observeLog(l.Address.Hex())
	w.router.Apply([]types.Log{l})
	if w.cfg.RefetchActive {
		w.cfg.Cache.RefetchActive(ctx)
	}
}
