package backfill

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khipuvault/khipu-client-go/chain/chaintest"
)

var scanContract = common.HexToAddress("0xDDe8c75271E454075BD2f348213A66B142BB8906")

func logAt(block uint64, tx byte, index uint) types.Log {
	return types.Log{
		Address:     scanContract,
		BlockNumber: block,
		TxHash:      common.BytesToHash([]byte{tx}),
		Index:       index,
	}
}

// logsInRange serves the given logs filtered by the query's block range.
func logsInRange(all []types.Log) func(q ethereum.FilterQuery) ([]types.Log, error) {
	return func(q ethereum.FilterQuery) ([]types.Log, error) {
		from := q.FromBlock.Uint64()
		to := q.ToBlock.Uint64()
		var out []types.Log
		for _, l := range all {
			if l.BlockNumber >= from && l.BlockNumber <= to {
				out = append(out, l)
			}
		}
		return out, nil
	}
}

func newScanner(t *testing.T, backend *chaintest.Backend, store Store, onLogs func([]types.Log)) *Scanner {
	t.Helper()
	s, err := New(Config{
		Backend:        backend,
		Store:          store,
		Contract:       scanContract,
		ChunkSize:      50,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
		OnLogs:         onLogs,
	})
	require.NoError(t, err)
	return s
}

func TestScanDeliversAndAdvancesMarker(t *testing.T) {
	backend := chaintest.New(31611)
	backend.SetBlockNumber(120)
	all := []types.Log{logAt(10, 1, 0), logAt(55, 2, 0), logAt(119, 3, 1)}
	backend.SetLogs(logsInRange(all))

	store := NewMemoryStore()
	var delivered []types.Log
	s := newScanner(t, backend, store, func(logs []types.Log) {
		delivered = append(delivered, logs...)
	})

	require.NoError(t, s.Scan(context.Background()))
	assert.Len(t, delivered, 3)

	marker, ok, err := store.Load(scanContract)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(120), marker.LastScanned)

	p := s.Progress()
	assert.False(t, p.Scanning)
	assert.InDelta(t, 100, p.Percent, 0.001)
	assert.Equal(t, "up to date", p.Status)
}

func TestScanChunksRespectBounds(t *testing.T) {
	backend := chaintest.New(31611)
	backend.SetBlockNumber(120)

	var ranges [][2]uint64
	backend.SetLogs(func(q ethereum.FilterQuery) ([]types.Log, error) {
		ranges = append(ranges, [2]uint64{q.FromBlock.Uint64(), q.ToBlock.Uint64()})
		return nil, nil
	})

	s := newScanner(t, backend, NewMemoryStore(), nil)
	require.NoError(t, s.Scan(context.Background()))

	require.NotEmpty(t, ranges)
	var prevEnd uint64
	for i, r := range ranges {
		assert.LessOrEqual(t, r[1]-r[0]+1, uint64(50), "chunk larger than configured size")
		if i == 0 {
			assert.Equal(t, uint64(0), r[0])
		} else {
			assert.Equal(t, prevEnd+1, r[0], "chunks must be contiguous")
		}
		prevEnd = r[1]
	}
	assert.Equal(t, uint64(120), prevEnd)
}

func TestFailedChunkDoesNotAdvanceMarker(t *testing.T) {
	backend := chaintest.New(31611)
	backend.SetBlockNumber(99)
	all := []types.Log{logAt(5, 1, 0), logAt(70, 2, 0)}

	broken := true
	backend.SetLogs(func(q ethereum.FilterQuery) ([]types.Log, error) {
		// The second chunk (blocks 50..99) fails until repaired.
		if broken && q.FromBlock.Uint64() >= 50 {
			return nil, errors.New("provider limit exceeded")
		}
		return logsInRange(all)(q)
	})

	store := NewMemoryStore()
	var delivered []types.Log
	s := newScanner(t, backend, store, func(logs []types.Log) {
		delivered = append(delivered, logs...)
	})

	err := s.Scan(context.Background())
	require.ErrorIs(t, err, ErrExhaustedRetries)

	_, ok, lerr := store.Load(scanContract)
	require.NoError(t, lerr)
	assert.False(t, ok, "marker must not advance past a failed chunk")
	assert.Empty(t, delivered, "no delivery on a failed scan")
	require.Error(t, s.Progress().Err)

	// Manual rescan after the provider recovers: every event exactly once.
	broken = false
	require.NoError(t, s.Rescan(context.Background()))
	assert.Len(t, delivered, 2)

	marker, ok, lerr := store.Load(scanContract)
	require.NoError(t, lerr)
	require.True(t, ok)
	assert.Equal(t, uint64(99), marker.LastScanned)
}

func TestRescanDoesNotDoubleCount(t *testing.T) {
	backend := chaintest.New(31611)
	backend.SetBlockNumber(40)
	all := []types.Log{logAt(10, 1, 0), logAt(20, 1, 1), logAt(30, 2, 0)}
	backend.SetLogs(logsInRange(all))

	store := NewMemoryStore()
	var delivered []types.Log
	s := newScanner(t, backend, store, func(logs []types.Log) {
		delivered = append(delivered, logs...)
	})

	require.NoError(t, s.Scan(context.Background()))
	require.Len(t, delivered, 3)

	// Rewind the marker so the same blocks are fetched again: the event
	// set must stay identical, not doubled.
	require.NoError(t, store.Save(Marker{Contract: scanContract, LastScanned: 0, UpdatedAt: time.Now().Add(-time.Hour)}))
	require.NoError(t, s.Rescan(context.Background()))
	assert.Len(t, delivered, 3, "rescanning the same blocks must not re-emit events")
}

func TestFreshMarkerSkipsScan(t *testing.T) {
	backend := chaintest.New(31611)
	backend.SetBlockNumber(40)

	fetches := 0
	backend.SetLogs(func(q ethereum.FilterQuery) ([]types.Log, error) {
		fetches++
		return nil, nil
	})

	store := NewMemoryStore()
	require.NoError(t, store.Save(Marker{Contract: scanContract, LastScanned: 40, UpdatedAt: time.Now()}))

	s := newScanner(t, backend, store, nil)
	require.NoError(t, s.Scan(context.Background()))
	assert.Equal(t, 0, fetches, "a fresh marker at head must skip fetching")

	// A forced rescan bypasses the staleness ceiling. The marker is at
	// head, so there is nothing to fetch, but the skip path must not be
	// taken: the marker timestamp refreshes.
	backend.SetBlockNumber(45)
	require.NoError(t, s.Rescan(context.Background()))
	assert.Greater(t, fetches, 0)
}

func TestScanResumesFromMarker(t *testing.T) {
	backend := chaintest.New(31611)
	backend.SetBlockNumber(100)

	var ranges [][2]uint64
	backend.SetLogs(func(q ethereum.FilterQuery) ([]types.Log, error) {
		ranges = append(ranges, [2]uint64{q.FromBlock.Uint64(), q.ToBlock.Uint64()})
		return nil, nil
	})

	store := NewMemoryStore()
	require.NoError(t, store.Save(Marker{Contract: scanContract, LastScanned: 59, UpdatedAt: time.Now().Add(-time.Hour)}))

	s := newScanner(t, backend, store, nil)
	require.NoError(t, s.Scan(context.Background()))

	require.NotEmpty(t, ranges)
	assert.Equal(t, uint64(60), ranges[0][0], "scan must resume just past the marker")
}

func TestConcurrentScanRejected(t *testing.T) {
	backend := chaintest.New(31611)
	backend.SetBlockNumber(10)

	gate := make(chan struct{})
	backend.SetLogs(func(q ethereum.FilterQuery) ([]types.Log, error) {
		<-gate
		return nil, nil
	})

	s := newScanner(t, backend, NewMemoryStore(), nil)

	done := make(chan error, 1)
	go func() { done <- s.Scan(context.Background()) }()

	require.Eventually(t, func() bool {
		return s.Progress().Scanning
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, s.Scan(context.Background()), ErrScanInProgress)
	assert.ErrorIs(t, s.Rescan(context.Background()), ErrScanInProgress)

	close(gate)
	require.NoError(t, <-done)
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan", "markers.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	_, ok, err := store.Load(scanContract)
	require.NoError(t, err)
	assert.False(t, ok)

	saved := Marker{Contract: scanContract, LastScanned: 1234, UpdatedAt: time.Now().UTC()}
	require.NoError(t, store.Save(saved))

	// A second store over the same file sees the persisted marker.
	store2, err := NewFileStore(path)
	require.NoError(t, err)
	got, ok, err := store2.Load(scanContract)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, saved.LastScanned, got.LastScanned)
	assert.Equal(t, saved.Contract, got.Contract)
}
