package settlement

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Mock is a deterministic Settlement stand-in for tests and for running
// the marketplace without a wired on-chain payment transport. FailNextN makes
// the next N calls for a given memo fail before succeeding, modeling the
// "settlement failure then recovery" scenario (§8 scenario 6).
type Mock struct {
	mu    sync.Mutex
	failN map[string]int
	calls int64
}

func NewMock() *Mock {
	return &Mock{failN: make(map[string]int)}
}

// FailNextN arranges for the next n Pay calls with this memo to fail.
func (m *Mock) FailNextN(memo string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failN[memo] = n
}

func (m *Mock) Calls() int64 { return atomic.LoadInt64(&m.calls) }

func (m *Mock) Pay(_ context.Context, _ string, toWallet string, amount float64, memo string) (string, error) {
	atomic.AddInt64(&m.calls, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if remaining, ok := m.failN[memo]; ok && remaining > 0 {
		m.failN[memo] = remaining - 1
		return "", fmt.Errorf("settlement: simulated failure for %s (amount=%f wallet=%s)", memo, amount, toWallet)
	}
	return "sig_" + uuid.NewString(), nil
}
