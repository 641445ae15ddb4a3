package j1939

import (
	"fmt"
	"sync/atomic"
	"time"
)

// EventKind labels a non-fatal protocol event. Events are reported and
// counted; they never stop ingestion.
type EventKind int

const (
	EventAssemblyTimeout EventKind = iota
	EventAssemblyAborted
	EventRequestTimeout
)

func (k EventKind) String() string {
	switch k {
	case EventAssemblyTimeout:
		return "assembly_timeout"
	case EventAssemblyAborted:
		return "assembly_aborted"
	case EventRequestTimeout:
		return "request_timeout"
	default:
		return "unknown"
	}
}

// Event describes one protocol-level incident: a reassembly that died or a
// request that was given up on. RequestTimeout events double as gap markers
// so downstream consumers can tell missing data from stale data.
type Event struct {
	Kind   EventKind
	PGN    uint32
	Source uint8
	Time   time.Time
	Detail string
}

func (e Event) String() string {
	return fmt.Sprintf("%s pgn=%d src=0x%02X %s", e.Kind, e.PGN, e.Source, e.Detail)
}

// Stats counts pipeline outcomes. All counters are safe for concurrent use.
type Stats struct {
	InvalidIdentifiers atomic.Uint64
	UnknownPGNs        atomic.Uint64
	ReadingsDecoded    atomic.Uint64
	AssemblyTimeouts   atomic.Uint64
	AssemblyAborts     atomic.Uint64
	DuplicateSegments  atomic.Uint64
	RequestsSent       atomic.Uint64
	RequestTimeouts    atomic.Uint64
	DroppedReadings    atomic.Uint64
}

func (s *Stats) String() string {
	return fmt.Sprintf(
		"decoded: %d unknown_pgn: %d invalid_id: %d asm_timeout: %d asm_abort: %d dup_seg: %d req_sent: %d req_timeout: %d dropped: %d",
		s.ReadingsDecoded.Load(), s.UnknownPGNs.Load(), s.InvalidIdentifiers.Load(),
		s.AssemblyTimeouts.Load(), s.AssemblyAborts.Load(), s.DuplicateSegments.Load(),
		s.RequestsSent.Load(), s.RequestTimeouts.Load(), s.DroppedReadings.Load())
}
