// Package btlog subscribes to the device's Bluetooth packet logger service
// and pushes each captured record to a handler, one at a time, in order.
package btlog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"firestige.xyz/btcap/internal/core"
	"firestige.xyz/btcap/internal/hci"
)

// ServiceName is the packet logger service on the device.
const ServiceName = "com.apple.bluetooth.BTPacketLogger"

// RecordHandler receives one full vendor record: the 12-byte header, the
// type discriminator and the payload. Returning an error stops the capture.
type RecordHandler func(rec []byte) error

// Client reads framed records off a service connection. Handlers are invoked
// sequentially from a single goroutine, never concurrently.
type Client struct {
	conn   io.ReadWriteCloser
	closed atomic.Bool
}

func NewClient(conn io.ReadWriteCloser) *Client {
	return &Client{conn: conn}
}

// Capture blocks, delivering records to the handler until the context is
// cancelled, the client is closed, or a read or handler error occurs. A
// clean shutdown returns nil.
func (c *Client) Capture(ctx context.Context, handler RecordHandler) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()

	hdr := make([]byte, hci.HeaderLen)
	for {
		if _, err := io.ReadFull(c.conn, hdr); err != nil {
			return c.readErr(ctx, err)
		}
		length := binary.BigEndian.Uint32(hdr)
		if length == 0 || length > hci.MaxPacketSize {
			return fmt.Errorf("%w: declared length %d", core.ErrRecordTooLarge, length)
		}

		rec := make([]byte, hci.HeaderLen+int(length))
		copy(rec, hdr)
		if _, err := io.ReadFull(c.conn, rec[hci.HeaderLen:]); err != nil {
			return c.readErr(ctx, err)
		}
		if err := handler(rec); err != nil {
			return fmt.Errorf("record handler failed: %w", err)
		}
	}
}

// Close terminates the capture. Safe to call more than once and from other
// goroutines; an in-flight Capture returns nil.
func (c *Client) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) readErr(ctx context.Context, err error) error {
	if c.closed.Load() || ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return fmt.Errorf("packet logger read failed: %w", err)
}
