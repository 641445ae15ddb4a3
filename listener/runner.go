package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"go.einride.tech/can"
	"golang.org/x/sync/errgroup"

	"j1939-core/j1939"
	"j1939-core/utils"
)

type RunnerConfig struct {
	Interface   string
	TablePath   string
	NodeAddress uint8
	Destination uint8
	Discovery   bool
	QueueSize   int
	CSVPath     string
	CBORPath    string
	Monitor     bool
}

// Runner wires the decode pipeline: bus reader, identifier decoder,
// transport reassembler, signal extractor, request scheduler and reading
// sink. One goroutine owns ingestion; the scheduler and sink run beside it.
type Runner struct {
	cfg    RunnerConfig
	log    *utils.Logger
	table  *j1939.Table
	stats  *j1939.Stats
	reader utils.CANReader
	writer *lockedWriter
	reasm  *j1939.Reassembler
	sched  *j1939.Scheduler
	sink   *Sink
}

// lockedWriter serializes bus transmissions: the scheduler and the
// reassembler's flow-control frames share one transmitter.
type lockedWriter struct {
	mu sync.Mutex
	w  utils.CANWriter
}

func (l *lockedWriter) WriteFrame(ctx context.Context, frame can.Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.WriteFrame(ctx, frame)
}

func NewRunner(ctx context.Context, cfg RunnerConfig, log *utils.Logger) (*Runner, error) {
	table, err := j1939.LoadTable(cfg.TablePath)
	if err != nil {
		return nil, fmt.Errorf("load parameter table: %w", err)
	}

	var reader utils.CANReader
	var writer utils.CANWriter
	err = retry.Do(func() error {
		reader, err = utils.NewSocketCANReader(ctx, cfg.Interface)
		if err != nil {
			return err
		}
		writer, err = utils.NewSocketCANWriter(ctx, cfg.Interface)
		if err != nil {
			reader.Close()
			return err
		}
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(500*time.Millisecond),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("bus open attempt %d on %s failed: %v", n+1, cfg.Interface, err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Interface, err)
	}

	stats := &j1939.Stats{}
	lw := &lockedWriter{w: writer}

	sink, err := NewSink(SinkConfig{
		Capacity: cfg.QueueSize,
		CSVPath:  cfg.CSVPath,
		CBORPath: cfg.CBORPath,
		Monitor:  cfg.Monitor,
	}, log, stats)
	if err != nil {
		reader.Close()
		writer.Close()
		return nil, err
	}

	r := &Runner{
		cfg:    cfg,
		log:    log,
		table:  table,
		stats:  stats,
		reader: reader,
		writer: lw,
		sink:   sink,
	}

	r.reasm = j1939.NewReassembler(j1939.ReassemblerConfig{
		NodeAddress: cfg.NodeAddress,
		OnEvent:     r.onAssemblyEvent,
	}, lw, stats)

	r.sched = j1939.NewScheduler(j1939.SchedulerConfig{
		NodeAddress: cfg.NodeAddress,
		Destination: cfg.Destination,
		Discovery:   cfg.Discovery,
		OnEvent:     r.onRequestEvent,
	}, table, lw, stats)

	return r, nil
}

func (r *Runner) Close() {
	if r.reader != nil {
		_ = r.reader.Close()
	}
	if r.writer != nil {
		_ = r.writer.w.Close()
	}
	if r.sink != nil {
		_ = r.sink.Close()
	}
}

func (r *Runner) Run(ctx context.Context) error {
	pgns := r.table.PGNs()
	r.log.Info("Starting listener: iface=%s addr=0x%02X pgns=%d discovery=%v",
		r.cfg.Interface, r.cfg.NodeAddress, len(pgns), r.cfg.Discovery)

	g, ctx := errgroup.WithContext(ctx)

	frames := make(chan can.Frame, 512)

	// Bus reader pump. Frames keep arrival order through the channel.
	g.Go(func() error {
		defer close(frames)
		for {
			frame, err := r.reader.ReadFrame(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("bus read: %w", err)
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	// Ingestion: the only goroutine touching the reassembler. The sweep
	// ticker detects assembly timeouts while the bus is quiet.
	g.Go(func() error {
		sweep := time.NewTicker(250 * time.Millisecond)
		defer sweep.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-sweep.C:
				r.reasm.Sweep()
			case frame, ok := <-frames:
				if !ok {
					return nil
				}
				r.handleFrame(ctx, frame)
				r.reasm.Sweep()
			}
		}
	})

	g.Go(func() error {
		return r.sched.Run(ctx)
	})

	g.Go(func() error {
		return r.sink.Run(ctx)
	})

	err := g.Wait()
	r.log.Info("Listener stopped. %s", r.stats)
	return err
}

func (r *Runner) handleFrame(ctx context.Context, frame can.Frame) {
	if !frame.IsExtended {
		return // 11-bit traffic is not J1939
	}

	id, err := j1939.ParseID(frame.ID)
	if err != nil {
		r.stats.InvalidIdentifiers.Add(1)
		r.log.Debug("dropped frame: %v", err)
		return
	}

	data := frame.Data[:frame.Length]

	if j1939.IsTransport(id.PGN) {
		if asm, ok := r.reasm.Handle(ctx, id, data); ok {
			r.deliver(asm.PGN, asm.Source, asm.Time, asm.Data)
		}
		return
	}
	if id.PGN == j1939.PGNRequest {
		return // requests from other nodes are not served
	}
	r.deliver(id.PGN, id.Source, time.Now(), data)
}

func (r *Runner) deliver(pgn uint32, source uint8, ts time.Time, data []byte) {
	reading, err := r.table.Decode(pgn, source, ts, data)
	if err != nil {
		if errors.Is(err, j1939.ErrNotRegistered) {
			r.stats.UnknownPGNs.Add(1)
			return
		}
		r.log.Error("decode pgn %d: %v", pgn, err)
		return
	}

	r.stats.ReadingsDecoded.Add(1)
	r.sched.ObserveReading(pgn, source)
	r.log.Trace("reading pgn=%d src=0x%02X signals=%d", pgn, source, len(reading.Values))
	r.sink.Offer(reading)
}

func (r *Runner) onAssemblyEvent(e j1939.Event) {
	r.log.Warn("%s", e)
}

func (r *Runner) onRequestEvent(e j1939.Event) {
	r.log.Warn("%s", e)
	r.sink.OfferEvent(e)
}
