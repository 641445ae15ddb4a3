package j1939

import (
	"fmt"
	"time"
)

// Quality classifies a single decoded signal value.
type Quality int

const (
	QualityOK Quality = iota
	// QualityNotAvailable: the sender reports the parameter as not available.
	QualityNotAvailable
	// QualitySensorError: the sender reports a sensor or parameter error.
	QualitySensorError
	// QualityTruncated: the payload was too short for the signal's bit range.
	QualityTruncated
)

func (q Quality) String() string {
	switch q {
	case QualityOK:
		return "ok"
	case QualityNotAvailable:
		return "not_available"
	case QualitySensorError:
		return "error"
	case QualityTruncated:
		return "truncated"
	default:
		return "unknown"
	}
}

// Value is one decoded signal. Value and Unit are only meaningful when
// Quality is QualityOK.
type Value struct {
	SPN     uint32
	Value   float64
	Unit    string
	Quality Quality
}

func (v Value) String() string {
	if v.Quality != QualityOK {
		return v.Quality.String()
	}
	return fmt.Sprintf("%.4g %s", v.Value, v.Unit)
}

// Reading is the decoded form of one PGN payload from one source address.
// Immutable once produced; per-signal failures are embedded as Quality
// sentinels rather than failing the whole reading.
type Reading struct {
	PGN     uint32
	PGNName string
	Source  uint8
	Time    time.Time
	Values  map[string]Value
}
