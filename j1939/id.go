package j1939

import (
	"errors"
	"fmt"
)

// Well-known addresses.
const (
	AddressGlobal = 0xFF
	AddressNull   = 0xFE
)

// Well-known PGNs used by the core itself.
const (
	PGNRequest     uint32 = 0x00EA00 // Request (RQST)
	PGNTransportCM uint32 = 0x00EC00 // TP.CM, transport connection management
	PGNTransportDT uint32 = 0x00EB00 // TP.DT, transport data segment
)

const maxIdentifier = 0x1FFFFFFF

var ErrInvalidIdentifier = errors.New("identifier wider than 29 bits")

// ID is the decomposed form of a 29-bit extended CAN identifier.
type ID struct {
	Priority    uint8
	PGN         uint32
	Destination uint8
	Source      uint8
}

// ParseID decomposes a raw 29-bit identifier. The PDU format byte decides
// whether the PDU-specific byte is a destination address (PDU1, PF < 0xF0)
// or the low byte of the PGN (PDU2, broadcast).
func ParseID(raw uint32) (ID, error) {
	if raw > maxIdentifier {
		return ID{}, fmt.Errorf("%w: 0x%X", ErrInvalidIdentifier, raw)
	}

	pf := uint8(raw >> 16)
	ps := uint8(raw >> 8)
	dataPage := (raw >> 24) & 0x3 // EDP + DP, bits 17..16 of the PGN

	id := ID{
		Priority: uint8(raw>>26) & 0x7,
		Source:   uint8(raw),
	}

	if pf < 0xF0 {
		// PDU1: destination-specific, PS is not part of the PGN.
		id.PGN = dataPage<<16 | uint32(pf)<<8
		id.Destination = ps
	} else {
		// PDU2: broadcast, PS extends the PGN.
		id.PGN = dataPage<<16 | uint32(pf)<<8 | uint32(ps)
		id.Destination = AddressGlobal
	}
	return id, nil
}

// Raw rebuilds the 29-bit identifier. Inverse of ParseID for every
// identifier ParseID accepts.
func (id ID) Raw() uint32 {
	raw := uint32(id.Priority&0x7)<<26 |
		(id.PGN>>16&0x3)<<24 |
		(id.PGN>>8&0xFF)<<16 |
		uint32(id.Source)

	if uint8(id.PGN>>8) < 0xF0 {
		raw |= uint32(id.Destination) << 8
	} else {
		raw |= (id.PGN & 0xFF) << 8
	}
	return raw
}

// IsBroadcast reports whether the frame is addressed to all nodes.
func (id ID) IsBroadcast() bool {
	return id.Destination == AddressGlobal
}

func (id ID) String() string {
	return fmt.Sprintf("prio=%d pgn=%d src=0x%02X dst=0x%02X", id.Priority, id.PGN, id.Source, id.Destination)
}
