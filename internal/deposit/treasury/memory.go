package treasury

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MemoryProvider derives a stable address per user from keccak256(user_id).
type MemoryProvider struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{calls: map[string]int{}}
}

func (p *MemoryProvider) NewDepositAddress(_ context.Context, userID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.calls[userID]++
	return AddressFor(userID).Hex(), nil
}

func (p *MemoryProvider) Fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *MemoryProvider) Calls(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[userID]
}

func AddressFor(userID string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(userID)))
}
