package j1939

import (
	"context"
	"sync"
	"time"

	"go.einride.tech/can"
)

// Scheduler defaults, matching the original deployment's cadence.
const (
	DefaultTick            = 100 * time.Millisecond
	DefaultResponseTimeout = 1250 * time.Millisecond
	DefaultMaxRetries      = 2
	DefaultRequestPriority = 6
	DefaultScanRounds      = 5
)

// SchedulerConfig carries the request policy knobs. Zero values fall back
// to the defaults above.
type SchedulerConfig struct {
	NodeAddress     uint8
	Destination     uint8 // request destination, AddressGlobal for broadcast
	Priority        uint8
	Tick            time.Duration
	ResponseTimeout time.Duration
	MaxRetries      int
	// Discovery starts with an active scan: every polled PGN is requested
	// for up to ScanRounds request/retry cycles. A PGN that answers joins
	// the regular schedule; one that never does is dropped from polling.
	Discovery  bool
	ScanRounds int
	OnEvent    func(Event)
}

// pendingRequest tracks one outstanding Request-PGN round trip. Created
// when the request frame is emitted, destroyed on a matching reading or
// after the bounded retry budget is spent.
type pendingRequest struct {
	pgn      uint32
	issuedAt time.Time
	retries  int
}

// Scheduler emits Request-PGN frames for the table's polled PGNs, on a
// periodic or one-shot policy, and tracks their round trips. It owns the
// pending map; the ingestion path reaches it only through ObserveReading,
// under the same lock.
type Scheduler struct {
	cfg    SchedulerConfig
	table  *Table
	writer FrameWriter
	stats  *Stats
	now    func() time.Time

	mu       sync.Mutex
	pending  map[uint32]*pendingRequest
	lastSeen map[uint32]time.Time
	seen     map[uint32]bool
	spent    map[uint32]bool // one-shot PGNs whose single round trip resolved
	scanned  map[uint32]int  // discovery: exhausted scan rounds per unseen PGN
}

func NewScheduler(cfg SchedulerConfig, table *Table, writer FrameWriter, stats *Stats) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Priority == 0 {
		cfg.Priority = DefaultRequestPriority
	}
	if cfg.ScanRounds <= 0 {
		cfg.ScanRounds = DefaultScanRounds
	}
	return &Scheduler{
		cfg:      cfg,
		table:    table,
		writer:   writer,
		stats:    stats,
		now:      time.Now,
		pending:  map[uint32]*pendingRequest{},
		lastSeen: map[uint32]time.Time{},
		seen:     map[uint32]bool{},
		spent:    map[uint32]bool{},
		scanned:  map[uint32]int{},
	}
}

// Run ticks until the context is canceled. Runs on its own goroutine,
// independent of ingestion.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// ObserveReading is called from the ingestion path for every decoded
// reading. It clears a matching pending request and feeds discovery and
// staleness tracking. Each source address is an independent reading stream;
// any source satisfies the request for its PGN.
func (s *Scheduler) ObserveReading(pgn uint32, source uint8) {
	_ = source
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[pgn] = true
	s.lastSeen[pgn] = s.now()
	delete(s.pending, pgn)
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var emit []uint32
	var expired []Event

	for _, pgn := range s.table.PGNs() {
		def, err := s.table.Lookup(pgn)
		if err != nil || (def.Interval <= 0 && !def.OneShot) {
			continue // listen-only
		}
		if def.OneShot && (s.seen[pgn] || s.spent[pgn]) {
			continue // the single round trip already resolved
		}
		if s.cfg.Discovery && !s.seen[pgn] && s.scanned[pgn] >= s.cfg.ScanRounds {
			continue // scan budget spent, the node never answered
		}

		if p, ok := s.pending[pgn]; ok {
			if now.Sub(p.issuedAt) < s.cfg.ResponseTimeout {
				continue
			}
			p.retries++
			if p.retries > s.cfg.MaxRetries {
				delete(s.pending, pgn)
				// Start the next poll cycle a full interval from now
				// instead of hammering an absent responder.
				s.lastSeen[pgn] = now
				detail := "retry budget exhausted, data gap"
				switch {
				case def.OneShot:
					s.spent[pgn] = true
					detail = "one-shot request unanswered"
				case s.cfg.Discovery && !s.seen[pgn]:
					s.scanned[pgn]++
					if s.scanned[pgn] < s.cfg.ScanRounds {
						continue // next scan round, one interval later
					}
					detail = "discovery scan exhausted, pgn unavailable"
				}
				expired = append(expired, Event{
					Kind:   EventRequestTimeout,
					PGN:    pgn,
					Source: s.cfg.Destination,
					Time:   now,
					Detail: detail,
				})
				continue
			}
			p.issuedAt = now
			emit = append(emit, pgn)
			continue
		}

		if last, ok := s.lastSeen[pgn]; ok && def.Interval > 0 && now.Sub(last) < def.Interval {
			continue
		}
		s.pending[pgn] = &pendingRequest{pgn: pgn, issuedAt: now}
		emit = append(emit, pgn)
	}
	s.mu.Unlock()

	for _, e := range expired {
		s.stats.RequestTimeouts.Add(1)
		if s.cfg.OnEvent != nil {
			s.cfg.OnEvent(e)
		}
	}
	for _, pgn := range emit {
		if err := s.writer.WriteFrame(ctx, s.requestFrame(pgn)); err != nil {
			// Transmit failure counts as a missed attempt; the retry
			// budget still bounds the request's lifetime.
			continue
		}
		s.stats.RequestsSent.Add(1)
	}
}

// requestFrame builds a Request-PGN frame: PGN 0xEA00 with the target PGN
// as a 3-byte little-endian payload.
func (s *Scheduler) requestFrame(pgn uint32) can.Frame {
	id := ID{
		Priority:    s.cfg.Priority,
		PGN:         PGNRequest,
		Destination: s.cfg.Destination,
		Source:      s.cfg.NodeAddress,
	}
	return can.Frame{
		ID:         id.Raw(),
		Length:     3,
		Data:       can.Data{byte(pgn), byte(pgn >> 8), byte(pgn >> 16)},
		IsExtended: true,
	}
}
