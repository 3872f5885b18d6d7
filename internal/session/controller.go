// Package session owns the capture session lifecycle: it reacts to device
// attach/detach notifications, keeps at most one capture running, and feeds
// captured records into the output sink.
package session

import (
	"context"
	"fmt"
	"io"
	"sync"

	"firestige.xyz/btcap/internal/btlog"
	"firestige.xyz/btcap/internal/log"
	"firestige.xyz/btcap/internal/sink"
	"firestige.xyz/btcap/internal/transport"
)

// Transport is the slice of the device layer the controller needs. Satisfied
// by *transport.Mux; tests substitute fakes.
type Transport interface {
	Monitor(ctx context.Context) (<-chan transport.DeviceEvent, error)
	OpenService(deviceID int, service string) (io.ReadWriteCloser, error)
}

// Config carries the capture session settings resolved at startup.
type Config struct {
	// UDID is the target device. Empty means the first attached device
	// matching the transport class is adopted for the rest of the process.
	UDID             string
	Network          bool
	ExitOnDisconnect bool
}

// Controller is the session state machine. It is either idle, waiting for a
// matching attach notification, or capturing from exactly one device.
type Controller struct {
	cfg       Config
	transport Transport
	sink      sink.Sink
	stats     *Stats

	mu     sync.Mutex
	udid   string // bound target; set on adoption when cfg.UDID is empty
	active *capture

	done     chan struct{}
	exitOnce sync.Once
}

// capture holds the resources owned while a session is running. Both are
// released together on stop.
type capture struct {
	udid   string
	svc    io.ReadWriteCloser
	client *btlog.Client
	cancel context.CancelFunc
}

func NewController(cfg Config, t Transport, s sink.Sink) *Controller {
	return &Controller{
		cfg:       cfg,
		transport: t,
		sink:      s,
		stats:     NewStats(),
		udid:      cfg.UDID,
		done:      make(chan struct{}),
	}
}

// Stats returns the session record counters.
func (c *Controller) Stats() *Stats {
	return c.stats
}

// Capturing reports whether a capture session is currently active.
func (c *Controller) Capturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Run subscribes to device notifications and processes them until the
// context is cancelled or, with ExitOnDisconnect, the bound device detaches.
// Cleanup happens here on the normal path, never in a signal context.
func (c *Controller) Run(ctx context.Context) error {
	events, err := c.transport.Monitor(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to device events: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			c.stop()
			return nil
		case <-c.done:
			c.stop()
			return nil
		case ev, ok := <-events:
			if !ok {
				c.stop()
				return fmt.Errorf("device notification stream closed")
			}
			c.handleEvent(ctx, ev)
		}
	}
}

func (c *Controller) handleEvent(ctx context.Context, ev transport.DeviceEvent) {
	if !c.matchesTransport(ev.Device.ConnectionType) {
		return
	}
	switch ev.Kind {
	case transport.EventAttached:
		c.handleAttach(ctx, ev.Device)
	case transport.EventDetached:
		c.handleDetach(ev.Device)
	}
}

func (c *Controller) matchesTransport(ct transport.ConnectionType) bool {
	if c.cfg.Network {
		return ct == transport.ConnectionNetwork
	}
	return ct == transport.ConnectionUSB
}

func (c *Controller) handleAttach(ctx context.Context, dev transport.DeviceProperties) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		// Single-active-device invariant: further attaches are ignored.
		return
	}
	if c.udid == "" {
		// First-seen adoption binds the target for the rest of the process.
		c.udid = dev.SerialNumber
		log.GetLogger().WithField("udid", c.udid).Info("adopted first attached device")
	}
	if c.udid != dev.SerialNumber {
		return
	}
	if err := c.startLocked(ctx, dev); err != nil {
		log.GetLogger().WithError(err).WithField("udid", c.udid).
			Error("could not start packet logger; waiting for next attach")
	}
}

// startLocked performs the Idle → Capturing transition. Any failing step
// rolls back what was opened so far; no partial session is retained.
func (c *Controller) startLocked(ctx context.Context, dev transport.DeviceProperties) error {
	svc, err := c.transport.OpenService(dev.DeviceID, btlog.ServiceName)
	if err != nil {
		return err
	}

	capCtx, cancel := context.WithCancel(ctx)
	act := &capture{
		udid:   dev.SerialNumber,
		svc:    svc,
		client: btlog.NewClient(svc),
		cancel: cancel,
	}
	c.active = act

	go func() {
		err := act.client.Capture(capCtx, c.handleRecord)
		if err != nil && capCtx.Err() == nil {
			// Sink or stream failure is fatal to this session only.
			log.GetLogger().WithError(err).Error("capture session failed")
			c.mu.Lock()
			if c.active == act {
				c.stopLocked()
			}
			c.mu.Unlock()
		}
	}()

	fmt.Printf("[connected:%s]\n", dev.SerialNumber)
	return nil
}

func (c *Controller) handleRecord(rec []byte) error {
	c.stats.Received()
	return c.sink.WriteRecord(rec)
}

func (c *Controller) handleDetach(dev transport.DeviceProperties) {
	c.mu.Lock()
	active := c.active != nil && c.active.udid == dev.SerialNumber
	if active {
		c.stopLocked()
	}
	c.mu.Unlock()
	if !active {
		return
	}

	fmt.Printf("[disconnected:%s]\n", dev.SerialNumber)
	if c.cfg.ExitOnDisconnect {
		c.exitOnce.Do(func() { close(c.done) })
	}
}

// stopLocked releases the subscription and the device connection, in that
// order. Callers hold c.mu.
func (c *Controller) stopLocked() {
	if c.active == nil {
		return
	}
	c.active.cancel()
	c.active.client.Close()
	c.active.svc.Close()
	c.active = nil
}

func (c *Controller) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}
