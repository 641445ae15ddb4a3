package j1939

import (
	"bytes"
	"context"
	"testing"
	"time"

	"go.einride.tech/can"
)

type captureWriter struct {
	frames []can.Frame
}

func (w *captureWriter) WriteFrame(_ context.Context, f can.Frame) error {
	w.frames = append(w.frames, f)
	return nil
}

type testClock struct {
	now time.Time
}

func (c *testClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestReassembler(t *testing.T) (*Reassembler, *captureWriter, *testClock, *[]Event) {
	t.Helper()
	events := &[]Event{}
	w := &captureWriter{}
	r := NewReassembler(ReassemblerConfig{
		NodeAddress: 0xF9,
		OnEvent:     func(e Event) { *events = append(*events, e) },
	}, w, &Stats{})
	clock := &testClock{now: time.Unix(1700000000, 0)}
	r.now = func() time.Time { return clock.now }
	return r, w, clock, events
}

func bamFrame(source uint8, pgn uint32, size, packets int) (ID, []byte) {
	id := ID{Priority: 7, PGN: PGNTransportCM, Destination: AddressGlobal, Source: source}
	return id, []byte{tpControlBAM, byte(size), byte(size >> 8), byte(packets), 0xFF,
		byte(pgn), byte(pgn >> 8), byte(pgn >> 16)}
}

func rtsFrame(source, dest uint8, pgn uint32, size, packets, burst int) (ID, []byte) {
	id := ID{Priority: 7, PGN: PGNTransportCM, Destination: dest, Source: source}
	return id, []byte{tpControlRTS, byte(size), byte(size >> 8), byte(packets), byte(burst),
		byte(pgn), byte(pgn >> 8), byte(pgn >> 16)}
}

func dataFrame(source, dest uint8, seq int, payload []byte) (ID, []byte) {
	id := ID{Priority: 7, PGN: PGNTransportDT, Destination: dest, Source: source}
	data := make([]byte, 8)
	data[0] = byte(seq)
	for i := range data[1:] {
		data[1+i] = 0xFF
	}
	copy(data[1:], payload)
	return id, data
}

func TestBroadcastReassembly(t *testing.T) {
	r, _, _, events := newTestReassembler(t)
	ctx := context.Background()

	msg := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	id, data := bamFrame(0x17, 65226, len(msg), 2)
	if _, ok := r.Handle(ctx, id, data); ok {
		t.Fatal("announcement must not complete a session")
	}

	id, data = dataFrame(0x17, AddressGlobal, 1, msg[:7])
	if _, ok := r.Handle(ctx, id, data); ok {
		t.Fatal("incomplete session reported complete")
	}

	id, data = dataFrame(0x17, AddressGlobal, 2, msg[7:])
	asm, ok := r.Handle(ctx, id, data)
	if !ok {
		t.Fatal("expected completed assembly")
	}
	if asm.PGN != 65226 || asm.Source != 0x17 {
		t.Errorf("wrong identity: pgn=%d src=0x%02X", asm.PGN, asm.Source)
	}
	if !bytes.Equal(asm.Data, msg) {
		t.Errorf("payload mismatch: % X", asm.Data)
	}
	if len(*events) != 0 {
		t.Errorf("unexpected events: %v", *events)
	}
}

func TestBroadcastTimeout(t *testing.T) {
	r, _, clock, events := newTestReassembler(t)
	ctx := context.Background()

	id, data := bamFrame(0x17, 65226, 12, 2)
	r.Handle(ctx, id, data)
	id, data = dataFrame(0x17, AddressGlobal, 1, []byte{1, 2, 3, 4, 5, 6, 7})
	r.Handle(ctx, id, data)

	// The final segment never arrives.
	clock.advance(DefaultAssemblyTimeout + time.Millisecond)
	r.Sweep()

	if len(*events) != 1 {
		t.Fatalf("expected 1 event got %d", len(*events))
	}
	if (*events)[0].Kind != EventAssemblyTimeout {
		t.Errorf("expected assembly_timeout got %s", (*events)[0].Kind)
	}
	if r.stats.AssemblyTimeouts.Load() != 1 {
		t.Errorf("timeout not counted")
	}

	// A late segment for the dead session yields nothing.
	id, data = dataFrame(0x17, AddressGlobal, 2, []byte{8, 9, 10, 11, 12})
	if _, ok := r.Handle(ctx, id, data); ok {
		t.Error("segment for an expired session completed")
	}
}

func TestAnnouncementSupersedes(t *testing.T) {
	r, _, _, events := newTestReassembler(t)
	ctx := context.Background()

	id, data := bamFrame(0x17, 65226, 12, 2)
	r.Handle(ctx, id, data)
	id, data = dataFrame(0x17, AddressGlobal, 1, []byte{1, 2, 3, 4, 5, 6, 7})
	r.Handle(ctx, id, data)

	// New announcement for the same source discards the partial buffer.
	id, data = bamFrame(0x17, 65227, 10, 2)
	r.Handle(ctx, id, data)

	if len(*events) != 1 || (*events)[0].Kind != EventAssemblyAborted {
		t.Fatalf("expected one abort event, got %v", *events)
	}

	msg := []byte{9, 9, 9, 9, 9, 9, 9, 8, 8, 8}
	id, data = dataFrame(0x17, AddressGlobal, 1, msg[:7])
	r.Handle(ctx, id, data)
	id, data = dataFrame(0x17, AddressGlobal, 2, msg[7:])
	asm, ok := r.Handle(ctx, id, data)
	if !ok {
		t.Fatal("superseding session did not complete")
	}
	if asm.PGN != 65227 || !bytes.Equal(asm.Data, msg) {
		t.Errorf("superseding session decoded wrong: pgn=%d % X", asm.PGN, asm.Data)
	}
}

func TestPeerSessionHandshake(t *testing.T) {
	r, w, _, _ := newTestReassembler(t)
	ctx := context.Background()

	msg := make([]byte, 16)
	for i := range msg {
		msg[i] = byte(i + 1)
	}

	id, data := rtsFrame(0x17, 0xF9, 65260, len(msg), 3, 0xFF)
	r.Handle(ctx, id, data)

	if len(w.frames) != 1 {
		t.Fatalf("expected CTS frame, got %d frames", len(w.frames))
	}
	cts := w.frames[0]
	ctsID, err := ParseID(cts.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ctsID.PGN != PGNTransportCM || ctsID.Destination != 0x17 || ctsID.Source != 0xF9 {
		t.Errorf("CTS misaddressed: %s", ctsID)
	}
	if cts.Data[0] != tpControlCTS {
		t.Errorf("expected CTS control byte got %d", cts.Data[0])
	}
	if cts.Data[2] != 1 {
		t.Errorf("CTS next packet: expected 1 got %d", cts.Data[2])
	}

	for seq := 1; seq <= 3; seq++ {
		lo := (seq - 1) * 7
		hi := lo + 7
		if hi > len(msg) {
			hi = len(msg)
		}
		id, data = dataFrame(0x17, 0xF9, seq, msg[lo:hi])
		asm, ok := r.Handle(ctx, id, data)
		if seq < 3 && ok {
			t.Fatalf("seq %d: completed early", seq)
		}
		if seq == 3 {
			if !ok {
				t.Fatal("session did not complete")
			}
			if !bytes.Equal(asm.Data, msg) {
				t.Errorf("payload mismatch: % X", asm.Data)
			}
		}
	}

	// Completion acknowledges end of message.
	last := w.frames[len(w.frames)-1]
	if last.Data[0] != tpControlEOM {
		t.Errorf("expected end-of-message ack, got control %d", last.Data[0])
	}
}

func TestPeerSessionIgnoresOtherDestinations(t *testing.T) {
	r, w, _, _ := newTestReassembler(t)
	ctx := context.Background()

	id, data := rtsFrame(0x17, 0x21, 65260, 16, 3, 0xFF)
	r.Handle(ctx, id, data)
	if len(w.frames) != 0 {
		t.Errorf("responded to an RTS addressed elsewhere")
	}
}

func TestPeerSessionAbort(t *testing.T) {
	r, _, _, events := newTestReassembler(t)
	ctx := context.Background()

	id, data := rtsFrame(0x17, 0xF9, 65260, 16, 3, 0xFF)
	r.Handle(ctx, id, data)
	id, data = dataFrame(0x17, 0xF9, 1, []byte{1, 2, 3, 4, 5, 6, 7})
	r.Handle(ctx, id, data)

	abortID := ID{Priority: 7, PGN: PGNTransportCM, Destination: 0xF9, Source: 0x17}
	r.Handle(ctx, abortID, []byte{tpControlAbort, 1, 0xFF, 0xFF, 0xFF, 0x6C, 0xFE, 0x00})

	if len(*events) != 1 || (*events)[0].Kind != EventAssemblyAborted {
		t.Fatalf("expected abort event, got %v", *events)
	}

	// The session is gone; further segments are ignored.
	id, data = dataFrame(0x17, 0xF9, 2, []byte{8, 9, 10, 11, 12, 13, 14})
	if _, ok := r.Handle(ctx, id, data); ok {
		t.Error("aborted session completed")
	}
}

func TestDuplicateSegmentLastWriteWins(t *testing.T) {
	r, _, _, _ := newTestReassembler(t)
	ctx := context.Background()

	id, data := bamFrame(0x17, 65226, 12, 2)
	r.Handle(ctx, id, data)

	id, data = dataFrame(0x17, AddressGlobal, 1, []byte{0, 0, 0, 0, 0, 0, 0})
	r.Handle(ctx, id, data)
	// Conflicting duplicate of segment 1 silently overwrites.
	id, data = dataFrame(0x17, AddressGlobal, 1, []byte{1, 2, 3, 4, 5, 6, 7})
	r.Handle(ctx, id, data)

	id, data = dataFrame(0x17, AddressGlobal, 2, []byte{8, 9, 10, 11, 12})
	asm, ok := r.Handle(ctx, id, data)
	if !ok {
		t.Fatal("session did not complete")
	}
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	if !bytes.Equal(asm.Data, want) {
		t.Errorf("expected last write to win: % X", asm.Data)
	}
	if r.stats.DuplicateSegments.Load() != 1 {
		t.Errorf("duplicate not counted: %d", r.stats.DuplicateSegments.Load())
	}
}

func TestOutOfOrderSegmentsTolerated(t *testing.T) {
	r, _, _, _ := newTestReassembler(t)
	ctx := context.Background()

	msg := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	id, data := bamFrame(0x17, 65226, len(msg), 2)
	r.Handle(ctx, id, data)

	id, data = dataFrame(0x17, AddressGlobal, 2, msg[7:])
	if _, ok := r.Handle(ctx, id, data); ok {
		t.Fatal("completed with one segment")
	}
	id, data = dataFrame(0x17, AddressGlobal, 1, msg[:7])
	asm, ok := r.Handle(ctx, id, data)
	if !ok {
		t.Fatal("session did not complete")
	}
	if !bytes.Equal(asm.Data, msg) {
		t.Errorf("payload mismatch: % X", asm.Data)
	}
}
