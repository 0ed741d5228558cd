// Package wallet holds client-side wallet session state: the connected
// account, the chain the session expects, and the guard every mutation runs
// before touching the network.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/khipuvault/khipu-client-go/chain"
)

// Status is the connection status of a session.
type Status uint8

const (
	StatusDisconnected Status = iota
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

var (
	// ErrNotConnected is returned when an operation needs a connected wallet.
	ErrNotConnected = errors.New("wallet: not connected")

	// ErrSwitchDeclined is returned when the wallet refused a network switch.
	ErrSwitchDeclined = errors.New("wallet: network switch declined")

	// ErrSwitchUnsupported is returned when the wallet cannot switch
	// networks at all.
	ErrSwitchUnsupported = errors.New("wallet: network switch not supported")
)

// ChainSwitcher is the optional wallet capability to move to another chain.
type ChainSwitcher interface {
	SwitchChain(ctx context.Context, chainID uint64) error
}

// Session is a thread-safe container for the current wallet session.
type Session struct {
	mu          sync.RWMutex
	signer      chain.Signer
	status      Status
	wantChainID uint64
	switcher    ChainSwitcher
}

// NewSession creates a disconnected session expecting the given chain.
// switcher may be nil when the wallet cannot switch networks.
func NewSession(wantChainID uint64, switcher ChainSwitcher) *Session {
	return &Session{
		wantChainID: wantChainID,
		switcher:    switcher,
	}
}

// Connect binds a signer to the session.
func (s *Session) Connect(signer chain.Signer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signer = signer
	s.status = StatusConnected
}

// Disconnect clears the bound signer.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signer = nil
	s.status = StatusDisconnected
}

// Status returns the current connection status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Connected reports whether a signer is bound.
func (s *Session) Connected() bool {
	return s.Status() == StatusConnected
}

// Address returns the connected account address.
func (s *Session) Address() (common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.signer == nil {
		return common.Address{}, ErrNotConnected
	}
	return s.signer.Address(), nil
}

// Signer returns the bound signer.
func (s *Session) Signer() (chain.Signer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.signer == nil {
		return nil, ErrNotConnected
	}
	return s.signer, nil
}

// ChainID returns the chain this session expects to operate on.
func (s *Session) ChainID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wantChainID
}

// RequireChain verifies the backend is on the session's expected chain and,
// if not, asks the wallet to switch. The three outcomes are distinct: nil
// (already right, or switched and verified), ErrSwitchDeclined (the wallet
// refused), ErrSwitchUnsupported (no switch capability is wired).
func (s *Session) RequireChain(ctx context.Context, backend chain.Backend) error {
	if !s.Connected() {
		return ErrNotConnected
	}

	want := s.ChainID()
	got, err := backend.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("wallet: read chain id: %w", err)
	}
	if got.Uint64() == want {
		return nil
	}

	s.mu.RLock()
	switcher := s.switcher
	s.mu.RUnlock()
	if switcher == nil {
		return fmt.Errorf("%w: connected to chain %d, need %d", ErrSwitchUnsupported, got.Uint64(), want)
	}
	if err := switcher.SwitchChain(ctx, want); err != nil {
		return fmt.Errorf("%w: %v", ErrSwitchDeclined, err)
	}

	// Verify the switch actually landed before trusting it.
	got, err = backend.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("wallet: re-read chain id: %w", err)
	}
	if got.Uint64() != want {
		return fmt.Errorf("%w: still on chain %d after switch", ErrSwitchDeclined, got.Uint64())
	}
	return nil
}
