package j1939

import (
	"context"
	"fmt"
	"time"

	"go.einride.tech/can"
)

// Transport protocol limits: up to 255 segments of 7 data bytes each.
const (
	MaxMessageSize  = 1785
	segmentDataSize = 7
)

// TP.CM control bytes.
const (
	tpControlRTS   = 16
	tpControlCTS   = 17
	tpControlEOM   = 19
	tpControlBAM   = 32
	tpControlAbort = 255
)

// DefaultAssemblyTimeout is the inactivity window after which a collecting
// session is discarded (T1 of the transport protocol).
const DefaultAssemblyTimeout = 750 * time.Millisecond

// FrameWriter transmits a raw frame onto the bus. utils.SocketCANWriter
// satisfies it; tests use in-memory fakes.
type FrameWriter interface {
	WriteFrame(ctx context.Context, frame can.Frame) error
}

// Assembled is a completed multi-frame payload handed to the extractor.
type Assembled struct {
	PGN    uint32
	Source uint8
	Time   time.Time
	Data   []byte
}

type sessionKind int

const (
	sessionBroadcast sessionKind = iota
	sessionPeer
)

func (k sessionKind) String() string {
	if k == sessionBroadcast {
		return "broadcast"
	}
	return "peer"
}

type sessionKey struct {
	source uint8
	kind   sessionKind
}

// session is the per-key reassembly state. At most one session exists per
// (source, kind); a new announcement supersedes an incomplete one.
type session struct {
	pgn          uint32
	size         int
	packets      int
	burstLimit   int // peer sessions: max packets per CTS, 0 for broadcast
	window       int // peer sessions: packets left in the granted burst
	seen         []bool
	seenCount    int
	buf          []byte
	lastActivity time.Time
}

func (s *session) complete() bool {
	return s.seenCount == s.packets
}

// ReassemblerConfig carries the knobs of the transport state machine.
// OnEvent receives timeout/abort notifications; it must not block.
type ReassemblerConfig struct {
	NodeAddress uint8
	Timeout     time.Duration
	OnEvent     func(Event)
}

// Reassembler accumulates broadcast (BAM) and peer-to-peer (RTS/CTS)
// transport sessions into complete payloads. It is owned by the ingestion
// goroutine exclusively; Handle and Sweep must not be called concurrently.
type Reassembler struct {
	cfg      ReassemblerConfig
	writer   FrameWriter
	stats    *Stats
	sessions map[sessionKey]*session
	now      func() time.Time
}

func NewReassembler(cfg ReassemblerConfig, writer FrameWriter, stats *Stats) *Reassembler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAssemblyTimeout
	}
	return &Reassembler{
		cfg:      cfg,
		writer:   writer,
		stats:    stats,
		sessions: map[sessionKey]*session{},
		now:      time.Now,
	}
}

// IsTransport reports whether the PGN belongs to the transport protocol
// itself and must be routed through Handle.
func IsTransport(pgn uint32) bool {
	return pgn == PGNTransportCM || pgn == PGNTransportDT
}

// Handle consumes one transport frame. When the frame completes a session
// the assembled payload is returned with ok set.
func (r *Reassembler) Handle(ctx context.Context, id ID, data []byte) (asm Assembled, ok bool) {
	switch id.PGN {
	case PGNTransportCM:
		r.handleControl(ctx, id, data)
		return Assembled{}, false
	case PGNTransportDT:
		return r.handleData(ctx, id, data)
	default:
		return Assembled{}, false
	}
}

func (r *Reassembler) handleControl(ctx context.Context, id ID, data []byte) {
	if len(data) < 8 {
		return
	}
	size := int(data[1]) | int(data[2])<<8
	packets := int(data[3])
	pgn := uint32(data[5]) | uint32(data[6])<<8 | uint32(data[7])<<16

	switch data[0] {
	case tpControlBAM:
		if !id.IsBroadcast() {
			return
		}
		r.open(sessionKey{id.Source, sessionBroadcast}, pgn, size, packets, 0)

	case tpControlRTS:
		if id.Destination != r.cfg.NodeAddress {
			return
		}
		burst := int(data[4])
		if burst == 0 || burst > packets {
			burst = packets
		}
		key := sessionKey{id.Source, sessionPeer}
		s := r.open(key, pgn, size, packets, burst)
		if s != nil {
			r.sendCTS(ctx, id.Source, s, 1)
		}

	case tpControlAbort:
		key := sessionKey{id.Source, sessionPeer}
		if s, active := r.sessions[key]; active {
			r.drop(key, s, EventAssemblyAborted, "abort control frame")
		}
	}
}

// open starts a session, superseding any incomplete one for the same key.
func (r *Reassembler) open(key sessionKey, pgn uint32, size, packets, burst int) *session {
	if size < 9 || size > MaxMessageSize || packets < 2 ||
		(packets-1)*segmentDataSize >= size || packets*segmentDataSize < size {
		return nil
	}
	if prev, active := r.sessions[key]; active {
		r.drop(key, prev, EventAssemblyAborted, "superseded by new announcement")
	}
	s := &session{
		pgn:          pgn,
		size:         size,
		packets:      packets,
		burstLimit:   burst,
		window:       burst,
		seen:         make([]bool, packets),
		buf:          make([]byte, size),
		lastActivity: r.now(),
	}
	r.sessions[key] = s
	return s
}

func (r *Reassembler) handleData(ctx context.Context, id ID, data []byte) (Assembled, bool) {
	if len(data) < 2 {
		return Assembled{}, false
	}
	kind := sessionPeer
	if id.IsBroadcast() {
		kind = sessionBroadcast
	} else if id.Destination != r.cfg.NodeAddress {
		return Assembled{}, false
	}
	key := sessionKey{id.Source, kind}
	s, active := r.sessions[key]
	if !active {
		return Assembled{}, false
	}

	seq := int(data[0])
	if seq < 1 || seq > s.packets {
		return Assembled{}, false
	}

	// Offset-based write: out-of-order segments land at the right place,
	// duplicates overwrite (last write wins) and are only counted.
	if s.seen[seq-1] {
		r.stats.DuplicateSegments.Add(1)
	} else {
		s.seen[seq-1] = true
		s.seenCount++
	}

	off := (seq - 1) * segmentDataSize
	copy(s.buf[off:], data[1:])
	s.lastActivity = r.now()

	if s.complete() {
		delete(r.sessions, key)
		if kind == sessionPeer {
			r.sendEOM(ctx, id.Source, s)
		}
		return Assembled{PGN: s.pgn, Source: id.Source, Time: s.lastActivity, Data: s.buf}, true
	}

	if kind == sessionPeer && s.burstLimit > 0 {
		s.window--
		if s.window <= 0 {
			next := s.seenCount + 1
			s.window = s.burstLimit
			if rest := s.packets - s.seenCount; rest < s.window {
				s.window = rest
			}
			r.sendCTS(ctx, id.Source, s, next)
		}
	}
	return Assembled{}, false
}

// Sweep discards sessions whose inactivity exceeds the timeout. Called from
// the ingestion goroutine; expiry is detected by clock comparison, never by
// blocking the reader.
func (r *Reassembler) Sweep() {
	deadline := r.now().Add(-r.cfg.Timeout)
	for key, s := range r.sessions {
		if s.lastActivity.Before(deadline) {
			r.drop(key, s, EventAssemblyTimeout, fmt.Sprintf("no segment for %v (%d/%d packets)", r.cfg.Timeout, s.seenCount, s.packets))
		}
	}
}

func (r *Reassembler) drop(key sessionKey, s *session, kind EventKind, detail string) {
	delete(r.sessions, key)
	switch kind {
	case EventAssemblyTimeout:
		r.stats.AssemblyTimeouts.Add(1)
	case EventAssemblyAborted:
		r.stats.AssemblyAborts.Add(1)
	}
	if r.cfg.OnEvent != nil {
		r.cfg.OnEvent(Event{
			Kind:   kind,
			PGN:    s.pgn,
			Source: key.source,
			Time:   r.now(),
			Detail: fmt.Sprintf("%s session: %s", key.kind, detail),
		})
	}
}

func (r *Reassembler) sendCTS(ctx context.Context, dest uint8, s *session, nextSeq int) {
	grant := s.window
	if grant <= 0 {
		grant = s.packets
	}
	r.sendControl(ctx, dest, [8]byte{
		tpControlCTS, byte(grant), byte(nextSeq), 0xFF, 0xFF,
		byte(s.pgn), byte(s.pgn >> 8), byte(s.pgn >> 16),
	})
}

func (r *Reassembler) sendEOM(ctx context.Context, dest uint8, s *session) {
	r.sendControl(ctx, dest, [8]byte{
		tpControlEOM, byte(s.size), byte(s.size >> 8), byte(s.packets), 0xFF,
		byte(s.pgn), byte(s.pgn >> 8), byte(s.pgn >> 16),
	})
}

func (r *Reassembler) sendControl(ctx context.Context, dest uint8, payload [8]byte) {
	if r.writer == nil {
		return
	}
	id := ID{
		Priority:    7,
		PGN:         PGNTransportCM,
		Destination: dest,
		Source:      r.cfg.NodeAddress,
	}
	frame := can.Frame{ID: id.Raw(), Length: 8, Data: payload, IsExtended: true}
	// Best effort: a lost CTS shows up as a peer-side timeout, not ours.
	_ = r.writer.WriteFrame(ctx, frame)
}
