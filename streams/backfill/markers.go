package backfill

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Marker records how far a contract's event history has been scanned.
// It only advances after a scan completes cleanly, so a failed scan is
// always retried from the same position.
type Marker struct {
	Contract    common.Address `json:"contract"`
	LastScanned uint64         `json:"last_scanned"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Store persists scan markers keyed by contract address.
type Store interface {
	Load(contract common.Address) (Marker, bool, error)
	Save(marker Marker) error
}

// MemoryStore is an in-memory Store for tests and ephemeral sessions.
type MemoryStore struct {
	mu      sync.Mutex
	markers map[common.Address]Marker
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{markers: make(map[common.Address]Marker)}
}

func (s *MemoryStore) Load(contract common.Address) (Marker, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markers[contract]
	return m, ok, nil
}

func (s *MemoryStore) Save(marker Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[marker.Contract] = marker
	return nil
}

// FileStore persists markers as a JSON file, written atomically via a
// temporary file and rename so a crash never leaves a torn marker file.
type FileStore struct {
	mu   sync.Mutex
	path string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the marker file's directory if needed.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("backfill: marker file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("backfill: create marker dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Load(contract common.Address) (Marker, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return Marker{}, false, err
	}
	m, ok := all[contract.Hex()]
	return m, ok, nil
}

func (s *FileStore) Save(marker Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return err
	}
	all[marker.Contract.Hex()] = marker

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("backfill: encode markers: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("backfill: write markers: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("backfill: replace markers: %w", err)
	}
	return nil
}

func (s *FileStore) readAll() (map[string]Marker, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return make(map[string]Marker), nil
	}
	if err != nil {
		return nil, fmt.Errorf("backfill: read markers: %w", err)
	}

	var all map[string]Marker
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("backfill: decode markers: %w", err)
	}
	if all == nil {
		all = make(map[string]Marker)
	}
	return all, nil
}
