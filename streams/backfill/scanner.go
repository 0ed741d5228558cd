// Package backfill recovers contract events emitted before a live
// subscription attached. It scans a block range in bounded chunks with
// retries and backoff per chunk, advances a persisted per-contract marker
// only after a fully clean scan, and deduplicates delivered events so a
// rescan never double-counts.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/ratelimit"

	"github.com/khipuvault/khipu-client-go/chain"
	"github.com/khipuvault/khipu-client-go/internal/clock"
)

const (
	DefaultChunkSize  = 2000
	DefaultMaxRetries = 5
	DefaultBaseDelay  = 500 * time.Millisecond
	DefaultMaxDelay   = 8 * time.Second

	// DefaultStaleAfter is the staleness ceiling: a marker younger than
	// this at head skips the scan entirely unless a rescan is forced.
	DefaultStaleAfter = 5 * time.Minute

	// DefaultRequestsPerSecond paces getLogs chunks against provider
	// rate limits.
	DefaultRequestsPerSecond = 10
)

var (
	// ErrExhaustedRetries is returned when a chunk failed more times than
	// the retry budget allows. The marker is not advanced.
	ErrExhaustedRetries = errors.New("backfill: chunk scan exhausted retries")

	// ErrScanInProgress is returned when a scan is started while another
	// one is running for the same scanner.
	ErrScanInProgress = errors.New("backfill: scan already in progress")
)

// Config configures a Scanner for one contract.
type Config struct {
	Backend  chain.LogSource
	Store    Store
	Contract common.Address

	// Topics optionally narrows the scan to specific events.
	Topics [][]common.Hash

	// DeployBlock is where a first-ever scan starts.
	DeployBlock uint64

	ChunkSize         uint64
	MaxRetries        int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	StaleAfter        time.Duration
	RequestsPerSecond int

	// OnLogs receives the deduplicated events of a successful scan, oldest
	// first. Typically wired to the same invalidation rules as the live
	// watcher.
	OnLogs func(logs []types.Log)

	Logger  *slog.Logger
	Metrics *Metrics
}

func (c *Config) validate() error {
	if c.Backend == nil {
		return errors.New("backfill: Backend is required")
	}
	if c.Store == nil {
		return errors.New("backfill: Store is required")
	}
	if (c.Contract == common.Address{}) {
		return errors.New("backfill: Contract is required")
	}
	return nil
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ChunkSize == 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	if out.RetryBaseDelay <= 0 {
		out.RetryBaseDelay = DefaultBaseDelay
	}
	if out.RetryMaxDelay <= 0 {
		out.RetryMaxDelay = DefaultMaxDelay
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = DefaultStaleAfter
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return out
}

// Progress is a point-in-time view of a scan for UI feedback.
type Progress struct {
	Scanning    bool
	Percent     float64
	Status      string
	LastScanned uint64
	Err         error
}

// Scanner backfills one contract's event history.
type Scanner struct {
	cfg     Config
	limiter ratelimit.Limiter
	seen    mapset.Set[string]
	busy    atomic.Bool

	mu       sync.Mutex
	progress Progress
}

// New validates the config and returns a Scanner.
func New(cfg Config) (*Scanner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	var limiter ratelimit.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = ratelimit.New(cfg.RequestsPerSecond)
	} else {
		limiter = ratelimit.NewUnlimited()
	}

	return &Scanner{
		cfg:     cfg,
		limiter: limiter,
		seen:    mapset.NewSet[string](),
		progress: Progress{
			Status: "not scanned",
		},
	}, nil
}

// Progress returns the current scan progress.
func (s *Scanner) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Scan runs a backfill unless the persisted marker is already fresh at the
// chain head.
func (s *Scanner) Scan(ctx context.Context) error {
	return s.scan(ctx, false)
}

// Rescan runs a backfill regardless of marker freshness. Deduplication
// guarantees already-delivered events are not re-emitted.
func (s *Scanner) Rescan(ctx context.Context) error {
	return s.scan(ctx, true)
}

func (s *Scanner) scan(ctx context.Context, force bool) error {
	if !s.busy.CompareAndSwap(false, true) {
		return ErrScanInProgress
	}
	defer s.busy.Store(false)

	contract := s.cfg.Contract.Hex()
	logger := s.cfg.Logger.With("contract", contract)
	start := time.Now()

	err := s.run(ctx, force, logger)
	result := "success"
	if err != nil {
		result = "error"
		s.setProgress(func(p *Progress) {
			p.Scanning = false
			p.Status = "scan failed"
			p.Err = err
		})
	}
	s.cfg.Metrics.observeScan(contract, result, time.Since(start).Seconds())
	return err
}

func (s *Scanner) run(ctx context.Context, force bool, logger *slog.Logger) error {
	head, err := s.cfg.Backend.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("backfill: chain head: %w", err)
	}

	marker, ok, err := s.cfg.Store.Load(s.cfg.Contract)
	if err != nil {
		return err
	}

	from := s.cfg.DeployBlock
	if ok && marker.LastScanned+1 > from {
		from = marker.LastScanned + 1
	}

	if ok && !force && marker.LastScanned >= head && time.Since(marker.UpdatedAt) < s.cfg.StaleAfter {
		s.setProgress(func(p *Progress) {
			p.Scanning = false
			p.Percent = 100
			p.Status = "up to date"
			p.LastScanned = marker.LastScanned
			p.Err = nil
		})
		return nil
	}

	if from > head {
		// Nothing new; just refresh the marker's timestamp.
		if err := s.cfg.Store.Save(Marker{Contract: s.cfg.Contract, LastScanned: head, UpdatedAt: time.Now()}); err != nil {
			return err
		}
		s.setProgress(func(p *Progress) {
			p.Scanning = false
			p.Percent = 100
			p.Status = "up to date"
			p.LastScanned = head
			p.Err = nil
		})
		return nil
	}

	total := head - from + 1
	logger.Info("starting historical scan", "from", from, "to", head, "blocks", total)
	s.setProgress(func(p *Progress) {
		p.Scanning = true
		p.Percent = 0
		p.Status = fmt.Sprintf("scanning blocks %d..%d", from, head)
		p.Err = nil
	})

	var fresh []types.Log
	for chunkStart := from; chunkStart <= head; chunkStart += s.cfg.ChunkSize {
		chunkEnd := chunkStart + s.cfg.ChunkSize - 1
		if chunkEnd > head {
			chunkEnd = head
		}

		logs, err := s.fetchChunk(ctx, chunkStart, chunkEnd, logger)
		if err != nil {
			return err
		}

		for _, l := range logs {
			if !s.seen.Contains(eventID(l)) {
				fresh = append(fresh, l)
			}
		}

		scanned := chunkEnd - from + 1
		s.setProgress(func(p *Progress) {
			p.Percent = 100 * float64(scanned) / float64(total)
			p.Status = fmt.Sprintf("scanned %d/%d blocks", scanned, total)
		})
	}

	// Every chunk succeeded; only now may the marker move and the
	// events count as seen. Committing earlier would let a failed scan
	// swallow events a later rescan should still deliver.
	if err := s.cfg.Store.Save(Marker{Contract: s.cfg.Contract, LastScanned: head, UpdatedAt: time.Now()}); err != nil {
		return err
	}
	for _, l := range fresh {
		s.seen.Add(eventID(l))
	}

	s.setProgress(func(p *Progress) {
		p.Scanning = false
		p.Percent = 100
		p.Status = "up to date"
		p.LastScanned = head
		p.Err = nil
	})
	logger.Info("historical scan complete", "to", head, "new_events", len(fresh))

	if s.cfg.OnLogs != nil && len(fresh) > 0 {
		s.cfg.OnLogs(fresh)
	}
	return nil
}

func (s *Scanner) fetchChunk(ctx context.Context, from, to uint64, logger *slog.Logger) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{s.cfg.Contract},
		Topics:    s.cfg.Topics,
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
	}
	contract := s.cfg.Contract.Hex()

	delay := s.cfg.RetryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.limiter.Take()

		logs, err := s.cfg.Backend.FilterLogs(ctx, query)
		if err == nil {
			s.cfg.Metrics.observeChunk(contract, "success")
			return logs, nil
		}
		lastErr = err
		s.cfg.Metrics.observeRetry(contract)
		logger.Warn("chunk fetch failed, will retry",
			"from", from, "to", to, "attempt", attempt, "error", err)

		if attempt < s.cfg.MaxRetries {
			if err := clock.SleepWithContext(ctx, delay); err != nil {
				return nil, err
			}
			delay *= 2
			if delay > s.cfg.RetryMaxDelay {
				delay = s.cfg.RetryMaxDelay
			}
		}
	}

	s.cfg.Metrics.observeChunk(contract, "error")
	return nil, fmt.Errorf("%w: blocks %d..%d: %v", ErrExhaustedRetries, from, to, lastErr)
}

func (s *Scanner) setProgress(update func(p *Progress)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	update(&s.progress)
}

// eventID is the deduplication identity of a log.
func eventID(l types.Log) string {
	return l.TxHash.Hex() + ":" + strconv.FormatUint(uint64(l.Index), 10)
}
