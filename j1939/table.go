package j1939

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var ErrNotRegistered = errors.New("pgn not registered")

// SignalDefinition describes one SPN within a PGN's payload. Start bit and
// length are relative to the assembled payload, little-endian byte order.
type SignalDefinition struct {
	SPN        uint32
	Name       string
	StartBit   int
	BitLength  int
	Resolution float64
	Offset     float64
	Unit       string

	// Raw sentinel values. Only meaningful when HasSentinels is set;
	// 1-bit flags carry no not-available/error encoding.
	NotAvailable uint64
	ErrorValue   uint64
	HasSentinels bool
}

// PGNDefinition groups the signals carried by one PGN together with its
// polling policy. Interval <= 0 means listen-only: the PGN is decoded when
// seen but never requested. OneShot means a single bounded-retry request at
// startup instead of a periodic schedule.
type PGNDefinition struct {
	PGN      uint32
	Name     string
	Interval time.Duration
	OneShot  bool
	Signals  []SignalDefinition
}

// Table is the static PGN registry. Loaded once at startup and shared
// read-only by every decode call; no runtime mutation after loading.
type Table struct {
	byPGN map[uint32]*PGNDefinition
}

func NewTable() *Table {
	return &Table{byPGN: map[uint32]*PGNDefinition{}}
}

// Register adds a PGN definition. Registering the same PGN twice or two
// signals with the same SPN is a configuration error.
func (t *Table) Register(def PGNDefinition) error {
	if _, ok := t.byPGN[def.PGN]; ok {
		return fmt.Errorf("pgn %d registered twice", def.PGN)
	}
	if len(def.Signals) == 0 {
		return fmt.Errorf("pgn %d has no signals", def.PGN)
	}

	seen := make(map[uint32]bool, len(def.Signals))
	for _, s := range def.Signals {
		if seen[s.SPN] {
			return fmt.Errorf("pgn %d: spn %d defined twice", def.PGN, s.SPN)
		}
		seen[s.SPN] = true
	}

	d := def
	d.Signals = append([]SignalDefinition{}, def.Signals...)
	sort.Slice(d.Signals, func(i, j int) bool { return d.Signals[i].StartBit < d.Signals[j].StartBit })
	t.byPGN[def.PGN] = &d
	return nil
}

// Lookup returns the definition for a PGN, or ErrNotRegistered when the
// PGN is unmonitored. Unmonitored PGNs are dropped by callers, not failed.
func (t *Table) Lookup(pgn uint32) (*PGNDefinition, error) {
	def, ok := t.byPGN[pgn]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotRegistered, pgn)
	}
	return def, nil
}

// PGNs returns every registered PGN in ascending order.
func (t *Table) PGNs() []uint32 {
	out := make([]uint32, 0, len(t.byPGN))
	for pgn := range t.byPGN {
		out = append(out, pgn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// defaultSentinels fills the J1939 sentinel ranges for a field width:
// all bits set means not available, one below means a sensor error.
func defaultSentinels(bitLength int) (na, errVal uint64, ok bool) {
	if bitLength < 2 {
		return 0, 0, false
	}
	if bitLength >= 64 {
		return ^uint64(0), ^uint64(0) - 1, true
	}
	na = uint64(1)<<bitLength - 1
	return na, na - 1, true
}
