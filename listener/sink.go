package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/fxamacker/cbor/v2"

	"j1939-core/j1939"
	"j1939-core/utils"
)

type SinkConfig struct {
	Capacity int
	CSVPath  string
	CBORPath string
	Monitor  bool
}

type sinkItem struct {
	reading *j1939.Reading
	event   *j1939.Event
}

// Sink decouples decoding from the consumers. Enqueueing never blocks the
// ingestion path: when the queue is full the oldest item is evicted
// (drop-oldest policy) and counted in stats.
type Sink struct {
	cfg   SinkConfig
	log   *utils.Logger
	stats *j1939.Stats
	items chan sinkItem

	csvFile  *os.File
	csvW     *csv.Writer
	cborFile *os.File
	cborEnc  *cbor.Encoder
}

func NewSink(cfg SinkConfig, log *utils.Logger, stats *j1939.Stats) (*Sink, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	s := &Sink{
		cfg:   cfg,
		log:   log,
		stats: stats,
		items: make(chan sinkItem, cfg.Capacity),
	}

	if cfg.CSVPath != "" {
		_, statErr := os.Stat(cfg.CSVPath)
		f, err := os.OpenFile(cfg.CSVPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open csv log: %w", err)
		}
		s.csvFile = f
		s.csvW = csv.NewWriter(f)
		if os.IsNotExist(statErr) {
			_ = s.csvW.Write([]string{"timestamp", "pgn", "pgn_name", "source", "signal", "value", "unit", "quality"})
		}
	}

	if cfg.CBORPath != "" {
		f, err := os.OpenFile(cfg.CBORPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open cbor log: %w", err)
		}
		s.cborFile = f
		s.cborEnc = cbor.NewEncoder(f)
	}

	return s, nil
}

// Offer hands a reading to the sink without blocking.
func (s *Sink) Offer(r j1939.Reading) {
	s.offer(sinkItem{reading: &r})
}

// OfferEvent records a gap marker alongside the readings so consumers can
// tell missing data from stale data.
func (s *Sink) OfferEvent(e j1939.Event) {
	s.offer(sinkItem{event: &e})
}

func (s *Sink) offer(it sinkItem) {
	for {
		select {
		case s.items <- it:
			return
		default:
		}
		// Queue full: evict the head and retry.
		select {
		case <-s.items:
			s.stats.DroppedReadings.Add(1)
		default:
		}
	}
}

// Run drains the queue until the context is canceled. Items already queued
// at cancellation are still written before returning.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case it := <-s.items:
					s.write(it)
				default:
					s.flush()
					return ctx.Err()
				}
			}
		case it := <-s.items:
			s.write(it)
		}
	}
}

func (s *Sink) write(it sinkItem) {
	if it.reading != nil {
		s.writeReading(*it.reading)
	}
	if it.event != nil {
		s.writeEvent(*it.event)
	}
}

func (s *Sink) writeReading(r j1939.Reading) {
	if s.csvW != nil {
		ts := r.Time.Format("2006-01-02T15:04:05.000")
		for _, name := range sortedNames(r.Values) {
			v := r.Values[name]
			val := ""
			if v.Quality == j1939.QualityOK {
				val = strconv.FormatFloat(v.Value, 'f', -1, 64)
			}
			_ = s.csvW.Write([]string{
				ts,
				strconv.FormatUint(uint64(r.PGN), 10),
				r.PGNName,
				fmt.Sprintf("0x%02X", r.Source),
				name,
				val,
				v.Unit,
				v.Quality.String(),
			})
		}
		s.csvW.Flush()
	}

	if s.cborEnc != nil {
		if err := s.cborEnc.Encode(newReadingRecord(r)); err != nil {
			s.log.Error("cbor log: %v", err)
		}
	}

	if s.cfg.Monitor {
		fmt.Println(formatReading(r))
	}
}

func (s *Sink) writeEvent(e j1939.Event) {
	if s.csvW != nil {
		_ = s.csvW.Write([]string{
			e.Time.Format("2006-01-02T15:04:05.000"),
			strconv.FormatUint(uint64(e.PGN), 10),
			"",
			fmt.Sprintf("0x%02X", e.Source),
			"",
			"",
			"",
			e.Kind.String(),
		})
		s.csvW.Flush()
	}

	if s.cborEnc != nil {
		if err := s.cborEnc.Encode(newGapRecord(e)); err != nil {
			s.log.Error("cbor log: %v", err)
		}
	}

	if s.cfg.Monitor {
		fmt.Println(formatEvent(e))
	}
}

func (s *Sink) flush() {
	if s.csvW != nil {
		s.csvW.Flush()
	}
}

func (s *Sink) Close() error {
	s.flush()
	var err error
	if s.csvFile != nil {
		err = s.csvFile.Close()
	}
	if s.cborFile != nil {
		if cerr := s.cborFile.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func sortedNames(values map[string]j1939.Value) []string {
	out := make([]string, 0, len(values))
	for name := range values {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// readingRecord is the compact on-disk shape of one reading.
type readingRecord struct {
	Time   int64              `cbor:"ts"`
	PGN    uint32             `cbor:"pgn"`
	Source uint8              `cbor:"src"`
	Values map[string]float64 `cbor:"values"`
	Flags  map[string]string  `cbor:"flags,omitempty"`
}

func newReadingRecord(r j1939.Reading) readingRecord {
	rec := readingRecord{
		Time:   r.Time.UnixMilli(),
		PGN:    r.PGN,
		Source: r.Source,
		Values: make(map[string]float64, len(r.Values)),
	}
	for name, v := range r.Values {
		if v.Quality == j1939.QualityOK {
			rec.Values[name] = v.Value
			continue
		}
		if rec.Flags == nil {
			rec.Flags = map[string]string{}
		}
		rec.Flags[name] = v.Quality.String()
	}
	return rec
}

type gapRecord struct {
	Time   int64  `cbor:"ts"`
	PGN    uint32 `cbor:"pgn"`
	Source uint8  `cbor:"src"`
	Gap    string `cbor:"gap"`
}

func newGapRecord(e j1939.Event) gapRecord {
	return gapRecord{
		Time:   e.Time.UnixMilli(),
		PGN:    e.PGN,
		Source: e.Source,
		Gap:    e.Kind.String(),
	}
}
