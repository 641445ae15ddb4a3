package j1939

import (
	"fmt"
	"math"
	"time"
)

// Decode produces a Reading from an assembled payload. Returns
// ErrNotRegistered for unmonitored PGNs. A payload shorter than a signal's
// bit range marks that signal QualityTruncated and decoding continues with
// the remaining signals.
func (t *Table) Decode(pgn uint32, source uint8, ts time.Time, data []byte) (Reading, error) {
	def, err := t.Lookup(pgn)
	if err != nil {
		return Reading{}, err
	}

	r := Reading{
		PGN:     def.PGN,
		PGNName: def.Name,
		Source:  source,
		Time:    ts,
		Values:  make(map[string]Value, len(def.Signals)),
	}

	for _, s := range def.Signals {
		v := Value{SPN: s.SPN, Unit: s.Unit}

		raw, ok := extractBits(data, s.StartBit, s.BitLength)
		switch {
		case !ok:
			v.Quality = QualityTruncated
		case s.HasSentinels && raw == s.NotAvailable:
			v.Quality = QualityNotAvailable
		case s.HasSentinels && raw == s.ErrorValue:
			v.Quality = QualitySensorError
		default:
			v.Value = float64(raw)*s.Resolution + s.Offset
		}
		r.Values[s.Name] = v
	}
	return r, nil
}

// Encode packs engineering-unit values into a payload for the PGN. Bits not
// covered by any provided signal are left all-ones, the bus convention for
// unused padding. Signals absent from values are skipped.
func (t *Table) Encode(pgn uint32, values map[string]float64) ([]byte, error) {
	def, err := t.Lookup(pgn)
	if err != nil {
		return nil, err
	}

	size := 8
	for _, s := range def.Signals {
		if need := (s.StartBit + s.BitLength + 7) / 8; need > size {
			size = need
		}
	}

	out := make([]byte, size)
	for i := range out {
		out[i] = 0xFF
	}

	for _, s := range def.Signals {
		v, ok := values[s.Name]
		if !ok {
			continue
		}
		rawF := math.Round((v - s.Offset) / s.Resolution)
		if rawF < 0 {
			rawF = 0
		}
		raw := uint64(rawF)
		if max := maxRaw(s.BitLength); raw > max {
			raw = max
		}
		if !packBits(out, s.StartBit, s.BitLength, raw) {
			return nil, fmt.Errorf("pgn %d signal %s: bit range out of payload", pgn, s.Name)
		}
	}
	return out, nil
}

func maxRaw(bitLen int) uint64 {
	if bitLen >= 64 {
		return ^uint64(0)
	}
	return uint64(1)<<bitLen - 1
}

// extractBits reads an unsigned little-endian bit field out of the payload.
// ok is false when the range does not fit within the payload.
func extractBits(data []byte, startBit, bitLen int) (uint64, bool) {
	if startBit < 0 || bitLen < 1 || bitLen > 64 || startBit+bitLen > len(data)*8 {
		return 0, false
	}
	var out uint64
	for i := 0; i < bitLen; i++ {
		bit := startBit + i
		if data[bit/8]&(1<<(bit%8)) != 0 {
			out |= 1 << i
		}
	}
	return out, true
}

// packBits is the inverse of extractBits.
func packBits(data []byte, startBit, bitLen int, raw uint64) bool {
	if startBit < 0 || bitLen < 1 || bitLen > 64 || startBit+bitLen > len(data)*8 {
		return false
	}
	for i := 0; i < bitLen; i++ {
		bit := startBit + i
		mask := byte(1 << (bit % 8))
		if raw&(1<<i) != 0 {
			data[bit/8] |= mask
		} else {
			data[bit/8] &^= mask
		}
	}
	return true
}
