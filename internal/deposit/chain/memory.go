package chain

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	depositdomain "github.com/one-covenant/basilica-billing/internal/deposit/domain"
)

// MemoryScanner is an in-memory chain used by tests.
type MemoryScanner struct {
	mu        sync.Mutex
	head      uint64
	transfers []depositdomain.Transfer
	err       error
	queries   [][2]uint64
}

func NewMemoryScanner() *MemoryScanner {
	return &MemoryScanner{}
}

func (m *MemoryScanner) SetHead(block uint64) {
	m.mu.Lock()
	m.head = block
	m.mu.Unlock()
}

func (m *MemoryScanner) Add(transfers ...depositdomain.Transfer) {
	m.mu.Lock()
	m.transfers = append(m.transfers, transfers...)
	m.mu.Unlock()
}

func (m *MemoryScanner) Fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Queries returns the [from, to] ranges requested so far.
func (m *MemoryScanner) Queries() [][2]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][2]uint64(nil), m.queries...)
}

func (m *MemoryScanner) LatestFinalizedBlock(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.head, nil
}

func (m *MemoryScanner) Transfers(_ context.Context, fromBlock, toBlock uint64, to []common.Address) ([]depositdomain.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.queries = append(m.queries, [2]uint64{fromBlock, toBlock})

	wanted := make(map[common.Address]struct{}, len(to))
	for _, a := range to {
		wanted[a] = struct{}{}
	}
	var out []depositdomain.Transfer
	for _, tr := range m.transfers {
		if tr.BlockNumber < fromBlock || tr.BlockNumber > toBlock {
			continue
		}
		if _, ok := wanted[tr.To]; !ok {
			continue
		}
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].EventIndex < out[j].EventIndex
	})
	return out, nil
}
