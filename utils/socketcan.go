//go:build linux || darwin
// +build linux darwin

package utils

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

// CANReader yields raw frames from the bus in arrival order.
type CANReader interface {
	ReadFrame(ctx context.Context) (can.Frame, error)
	Close() error
}

// CANWriter transmits raw frames onto the bus.
type CANWriter interface {
	WriteFrame(ctx context.Context, frame can.Frame) error
	Close() error
}

// SocketCANReader implements CANReader over Einride's socketcan. A single
// pump goroutine feeds an internal channel so ReadFrame honors context
// cancellation without leaking a goroutine per call.
type SocketCANReader struct {
	conn   net.Conn
	recv   *socketcan.Receiver
	frames chan can.Frame
	errs   chan error
	once   sync.Once
}

func NewSocketCANReader(ctx context.Context, ifname string) (*SocketCANReader, error) {
	conn, err := socketcan.DialContext(ctx, "can", ifname)
	if err != nil {
		return nil, fmt.Errorf("socketcan dial: %w", err)
	}

	r := &SocketCANReader{
		conn:   conn,
		recv:   socketcan.NewReceiver(conn),
		frames: make(chan can.Frame, 64),
		errs:   make(chan error, 1),
	}
	go r.pump()
	return r, nil
}

func (r *SocketCANReader) pump() {
	for r.recv.Receive() {
		r.frames <- r.recv.Frame()
	}
	err := r.recv.Err()
	if err == nil {
		err = fmt.Errorf("socketcan receive: connection closed")
	}
	r.errs <- err
	close(r.frames)
}

func (r *SocketCANReader) ReadFrame(ctx context.Context) (can.Frame, error) {
	select {
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	case frame, ok := <-r.frames:
		if !ok {
			return can.Frame{}, <-r.errs
		}
		return frame, nil
	}
}

func (r *SocketCANReader) Close() error {
	var err error
	r.once.Do(func() {
		err = r.conn.Close()
	})
	return err
}

// SocketCANWriter implements CANWriter over Einride's socketcan.
type SocketCANWriter struct {
	conn net.Conn
	tx   *socketcan.Transmitter
}

func NewSocketCANWriter(ctx context.Context, ifname string) (*SocketCANWriter, error) {
	conn, err := socketcan.DialContext(ctx, "can", ifname)
	if err != nil {
		return nil, fmt.Errorf("socketcan dial: %w", err)
	}
	return &SocketCANWriter{
		conn: conn,
		tx:   socketcan.NewTransmitter(conn),
	}, nil
}

func (w *SocketCANWriter) WriteFrame(ctx context.Context, frame can.Frame) error {
	return w.tx.TransmitFrame(ctx, frame)
}

func (w *SocketCANWriter) Close() error {
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}
