package usage

import (
	"fmt"
	"strings"
	"sync"
)

// Target selects one side of the ledger.
type Target string

const (
	// TargetPrimary accumulates tokens of the top-level reasoning loop only.
	TargetPrimary Target = "primary"
	// TargetAuxiliary accumulates tool-internal calls and child run totals.
	TargetAuxiliary Target = "auxiliary"
)

func ParseTarget(raw string) (Target, error) {
	switch Target(strings.ToLower(strings.TrimSpace(raw))) {
	case TargetPrimary:
		return TargetPrimary, nil
	case TargetAuxiliary:
		return TargetAuxiliary, nil
	default:
		return "", fmt.Errorf("unknown usage target %q", raw)
	}
}

// Snapshot is the live view of a ledger. CombinedTotal is always
// Primary.TotalTokens + Auxiliary.TotalTokens.
type Snapshot struct {
	Primary       Usage `json:"primary"`
	Auxiliary     Usage `json:"auxiliary"`
	CombinedTotal int64 `json:"combinedTotal"`
}

// Combined folds both sides into one Usage, used when a child run reports back.
func (s Snapshot) Combined() Usage {
	return s.Primary.Add(s.Auxiliary)
}

// Ledger is an append-only two-sided token accumulator. It is never reset.
type Ledger struct {
	mu        sync.Mutex
	primary   Usage
	auxiliary Usage
}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Apply adds u to the selected side and returns the resulting snapshot.
// Unknown targets are folded into the auxiliary side.
func (l *Ledger) Apply(target Target, u Usage) Snapshot {
	if l == nil {
		return Snapshot{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch target {
	case TargetPrimary:
		l.primary = l.primary.Add(u)
	default:
		l.auxiliary = l.auxiliary.Add(u)
	}
	return l.snapshotLocked()
}

// ApplyRaw normalizes a provider usage report before adding it.
func (l *Ledger) ApplyRaw(target Target, raw map[string]any) Snapshot {
	return l.Apply(target, Normalize(raw))
}

func (l *Ledger) Snapshot() Snapshot {
	if l == nil {
		return Snapshot{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() Snapshot {
	return Snapshot{
		Primary:       l.primary,
		Auxiliary:     l.auxiliary,
		CombinedTotal: l.primary.TotalTokens + l.auxiliary.TotalTokens,
	}
}
