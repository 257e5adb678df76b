package executor

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xarb-io/xarb/pkg/types"
)

// Stats aggregates execution outcomes since process start, with volume and
// profit windowed to the current UTC day.
type Stats struct {
	Total       int
	Completed   int
	RolledBack  int
	Failed      int
	SuccessRate float64
	DailyVolume decimal.Decimal
	DailyProfit decimal.Decimal
}

// history is a fixed-size ring of finished executions plus running stats.
type history struct {
	mu      sync.Mutex
	ring    []*types.Execution
	next    int
	full    bool
	total   int
	done    int
	rolled  int
	failed  int
	day     time.Time
	volume  decimal.Decimal
	profit  decimal.Decimal
}

func newHistory(size int) *history {
	return &history{
		ring: make([]*types.Execution, size),
		day:  time.Now().UTC().Truncate(24 * time.Hour),
	}
}

func (h *history) record(exec *types.Execution) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ring[h.next] = exec
	h.next = (h.next + 1) % len(h.ring)
	if h.next == 0 {
		h.full = true
	}

	h.rolloverLocked()
	h.total++
	switch exec.Status {
	case types.ExecutionCompleted:
		h.done++
		h.volume = h.volume.Add(exec.Opportunity.Notional())
		h.profit = h.profit.Add(exec.NetProfit)
	case types.ExecutionRolledBack, types.ExecutionPartial:
		h.rolled++
		h.profit = h.profit.Add(exec.NetProfit)
	default:
		h.failed++
	}
}

func (h *history) rolloverLocked() {
	day := time.Now().UTC().Truncate(24 * time.Hour)
	if day.Equal(h.day) {
		return
	}
	h.day = day
	h.volume = decimal.Zero
	h.profit = decimal.Zero
}

// recent returns up to n executions, newest first.
func (h *history) recent(n int) []*types.Execution {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.next
	if h.full {
		size = len(h.ring)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]*types.Execution, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.next - i + len(h.ring)) % len(h.ring)
		out = append(out, h.ring[idx])
	}
	return out
}

func (h *history) stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rolloverLocked()

	s := Stats{
		Total:       h.total,
		Completed:   h.done,
		RolledBack:  h.rolled,
		Failed:      h.failed,
		DailyVolume: h.volume,
		DailyProfit: h.profit,
	}
	if h.total > 0 {
		s.SuccessRate = float64(h.done) / float64(h.total)
	}
	return s
}
