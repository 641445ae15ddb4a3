package j1939

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadTable reads the PGN parameter database from a CSV file. One row per
// SPN; rows with the same pgn value are grouped into a single definition.
// Any malformed row is a fatal load error, never a runtime error.
//
// Required columns: pgn, pgn_name, interval_ms, spn, name, start_bit,
// bit_length, resolution, offset, unit. Optional columns not_available and
// error override the default raw sentinels for a signal.
//
// interval_ms also accepts the literal "once" for a one-shot request policy
// and 0 for listen-only.
func LoadTable(csvPath string) (*Table, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t, err := readTable(csv.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", csvPath, err)
	}
	return t, nil
}

func readTable(r *csv.Reader) (*Table, error) {
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, err
	}

	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}

	req := []string{
		"pgn", "pgn_name", "interval_ms", "spn", "name",
		"start_bit", "bit_length", "resolution", "offset", "unit",
	}
	for _, k := range req {
		if _, ok := idx[k]; !ok {
			return nil, fmt.Errorf("missing required column: %q", k)
		}
	}

	defs := map[uint32]*PGNDefinition{}
	var order []uint32

	line := 1
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line++

		pgn, err := parseUint(rec[idx["pgn"]], 18)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid pgn %q: %w", line, rec[idx["pgn"]], err)
		}

		sig, err := parseSignal(rec, idx)
		if err != nil {
			return nil, fmt.Errorf("row %d (pgn %d): %w", line, pgn, err)
		}

		rawInterval := strings.TrimSpace(rec[idx["interval_ms"]])
		var interval time.Duration
		var oneShot bool
		if strings.EqualFold(rawInterval, "once") {
			oneShot = true
		} else {
			intervalMS, err := strconv.Atoi(rawInterval)
			if err != nil {
				return nil, fmt.Errorf("row %d (pgn %d): invalid interval_ms %q", line, pgn, rawInterval)
			}
			interval = time.Duration(intervalMS) * time.Millisecond
		}

		pgnName := strings.TrimSpace(rec[idx["pgn_name"]])

		def, ok := defs[uint32(pgn)]
		if !ok {
			def = &PGNDefinition{
				PGN:      uint32(pgn),
				Name:     pgnName,
				Interval: interval,
				OneShot:  oneShot,
			}
			defs[uint32(pgn)] = def
			order = append(order, uint32(pgn))
		}

		if def.Name != pgnName {
			return nil, fmt.Errorf("row %d: pgn %d has inconsistent pgn_name (%q vs %q)", line, pgn, def.Name, pgnName)
		}
		if def.Interval != interval || def.OneShot != oneShot {
			return nil, fmt.Errorf("row %d: pgn %d has inconsistent interval_ms %q", line, pgn, rawInterval)
		}

		def.Signals = append(def.Signals, sig)
	}

	t := NewTable()
	for _, pgn := range order {
		if err := t.Register(*defs[pgn]); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func parseSignal(rec []string, idx map[string]int) (SignalDefinition, error) {
	spn, err := parseUint(rec[idx["spn"]], 32)
	if err != nil {
		return SignalDefinition{}, fmt.Errorf("invalid spn %q: %w", rec[idx["spn"]], err)
	}

	sig := SignalDefinition{
		SPN:  uint32(spn),
		Name: strings.TrimSpace(rec[idx["name"]]),
		Unit: strings.TrimSpace(rec[idx["unit"]]),
	}
	if sig.Name == "" {
		return SignalDefinition{}, fmt.Errorf("spn %d has empty name", spn)
	}

	sig.StartBit, err = strconv.Atoi(strings.TrimSpace(rec[idx["start_bit"]]))
	if err != nil || sig.StartBit < 0 {
		return SignalDefinition{}, fmt.Errorf("spn %d: invalid start_bit %q", spn, rec[idx["start_bit"]])
	}
	sig.BitLength, err = strconv.Atoi(strings.TrimSpace(rec[idx["bit_length"]]))
	if err != nil || sig.BitLength < 1 || sig.BitLength > 64 {
		return SignalDefinition{}, fmt.Errorf("spn %d: invalid bit_length %q", spn, rec[idx["bit_length"]])
	}
	if sig.StartBit+sig.BitLength > MaxMessageSize*8 {
		return SignalDefinition{}, fmt.Errorf("spn %d: bit range %d+%d exceeds maximum payload", spn, sig.StartBit, sig.BitLength)
	}

	sig.Resolution, err = strconv.ParseFloat(strings.TrimSpace(rec[idx["resolution"]]), 64)
	if err != nil || sig.Resolution == 0 {
		return SignalDefinition{}, fmt.Errorf("spn %d: invalid resolution %q", spn, rec[idx["resolution"]])
	}
	sig.Offset, err = strconv.ParseFloat(strings.TrimSpace(rec[idx["offset"]]), 64)
	if err != nil {
		return SignalDefinition{}, fmt.Errorf("spn %d: invalid offset %q", spn, rec[idx["offset"]])
	}

	sig.NotAvailable, sig.ErrorValue, sig.HasSentinels = defaultSentinels(sig.BitLength)
	if v, ok, err := optionalUint(rec, idx, "not_available"); err != nil {
		return SignalDefinition{}, fmt.Errorf("spn %d: %w", spn, err)
	} else if ok {
		sig.NotAvailable = v
		sig.HasSentinels = true
	}
	if v, ok, err := optionalUint(rec, idx, "error"); err != nil {
		return SignalDefinition{}, fmt.Errorf("spn %d: %w", spn, err)
	} else if ok {
		sig.ErrorValue = v
		sig.HasSentinels = true
	}

	return sig, nil
}

func optionalUint(rec []string, idx map[string]int, col string) (uint64, bool, error) {
	i, ok := idx[col]
	if !ok || i >= len(rec) || strings.TrimSpace(rec[i]) == "" {
		return 0, false, nil
	}
	v, err := parseUint(rec[i], 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid %s %q: %w", col, rec[i], err)
	}
	return v, true, nil
}

func parseUint(s string, bits int) (uint64, error) {
	ss := strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(ss, "0x") || strings.HasPrefix(ss, "0X") {
		base = 16
		ss = ss[2:]
	}
	return strconv.ParseUint(ss, base, bits)
}
