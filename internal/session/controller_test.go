package session

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/btcap/internal/hci"
	"firestige.xyz/btcap/internal/transport"
)

// fakeTransport scripts device events and counts service opens/closes so
// tests can assert that no resources leak on failed transitions.
type fakeTransport struct {
	events   chan transport.DeviceEvent
	failOpen bool

	mu    sync.Mutex
	opens int
	peers []net.Conn // service side of each opened connection

	closes atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.DeviceEvent, 8)}
}

func (f *fakeTransport) Monitor(ctx context.Context) (<-chan transport.DeviceEvent, error) {
	return f.events, nil
}

func (f *fakeTransport) OpenService(deviceID int, service string) (io.ReadWriteCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOpen {
		return nil, errors.New("service refused")
	}
	client, peer := net.Pipe()
	f.opens++
	f.peers = append(f.peers, peer)
	return &countedConn{Conn: client, closes: &f.closes}, nil
}

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeTransport) peer(i int) net.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[i]
}

type countedConn struct {
	net.Conn
	closes *atomic.Int32
	once   sync.Once
}

func (c *countedConn) Close() error {
	c.once.Do(func() { c.closes.Add(1) })
	return c.Conn.Close()
}

// memorySink collects records; optionally fails every write.
type memorySink struct {
	mu      sync.Mutex
	records [][]byte
	failAll bool
}

func (s *memorySink) WriteRecord(rec []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errors.New("disk full")
	}
	s.records = append(s.records, append([]byte(nil), rec...))
	return nil
}

func (s *memorySink) Close() error { return nil }

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func attach(udid string, id int) transport.DeviceEvent {
	return transport.DeviceEvent{
		Kind: transport.EventAttached,
		Device: transport.DeviceProperties{
			DeviceID:       id,
			ConnectionType: transport.ConnectionUSB,
			SerialNumber:   udid,
		},
	}
}

func detach(udid string, id int) transport.DeviceEvent {
	ev := attach(udid, id)
	ev.Kind = transport.EventDetached
	return ev
}

func framedRecord(typ byte, payload []byte) []byte {
	rec := make([]byte, 0, hci.HeaderLen+1+len(payload))
	rec = binary.BigEndian.AppendUint32(rec, uint32(1+len(payload)))
	rec = binary.BigEndian.AppendUint32(rec, 1000)
	rec = binary.BigEndian.AppendUint32(rec, 0)
	rec = append(rec, typ)
	return append(rec, payload...)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestAttachStartsCaptureAndRecordsFlow(t *testing.T) {
	ft := newFakeTransport()
	ms := &memorySink{}
	c := NewController(Config{UDID: "abc123"}, ft, ms)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	ft.events <- attach("abc123", 1)
	waitFor(t, c.Capturing, "capture to start")

	// Push two records through the service connection; order must hold.
	peer := ft.peer(0)
	r1 := framedRecord(hci.TypeEvent, []byte{0x01})
	r2 := framedRecord(hci.TypeCommand, []byte{0x02})
	_, err := peer.Write(r1)
	require.NoError(t, err)
	_, err = peer.Write(r2)
	require.NoError(t, err)

	waitFor(t, func() bool { return ms.count() == 2 }, "records to reach sink")
	ms.mu.Lock()
	assert.Equal(t, r1, ms.records[0])
	assert.Equal(t, r2, ms.records[1])
	ms.mu.Unlock()
	assert.Equal(t, uint64(2), c.Stats().ReceivedCount())

	cancel()
	require.NoError(t, <-runDone)
	assert.Equal(t, int32(1), ft.closes.Load(), "service connection must be released")
}

func TestNonMatchingDeviceIgnoredWhileBound(t *testing.T) {
	ft := newFakeTransport()
	c := NewController(Config{UDID: "abc123"}, ft, &memorySink{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	ft.events <- attach("other", 2)
	ft.events <- attach("abc123", 1)
	waitFor(t, c.Capturing, "capture to start")

	// A second device attaching must never start a concurrent session.
	ft.events <- attach("another", 3)
	waitFor(t, func() bool { return len(ft.events) == 0 }, "events drained")
	assert.Equal(t, 1, ft.openCount())
}

func TestFirstSeenDeviceAdopted(t *testing.T) {
	ft := newFakeTransport()
	c := NewController(Config{}, ft, &memorySink{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	ft.events <- attach("first", 1)
	waitFor(t, c.Capturing, "capture to start")

	// The adopted binding survives detach: other devices stay ignored.
	ft.events <- detach("first", 1)
	waitFor(t, func() bool { return !c.Capturing() }, "capture to stop")

	ft.events <- attach("second", 2)
	waitFor(t, func() bool { return len(ft.events) == 0 }, "events drained")
	assert.False(t, c.Capturing())
	assert.Equal(t, 1, ft.openCount())

	// The original device coming back is picked up again.
	ft.events <- attach("first", 1)
	waitFor(t, c.Capturing, "recapture of adopted device")
}

func TestTransportClassMismatchIgnored(t *testing.T) {
	ft := newFakeTransport()
	c := NewController(Config{UDID: "abc123", Network: true}, ft, &memorySink{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	ft.events <- attach("abc123", 1) // USB event, network capture requested
	waitFor(t, func() bool { return len(ft.events) == 0 }, "events drained")
	assert.False(t, c.Capturing())
	assert.Equal(t, 0, ft.openCount())
}

func TestFailedTransitionLeavesIdleWithoutLeaks(t *testing.T) {
	ft := newFakeTransport()
	ft.failOpen = true
	c := NewController(Config{UDID: "abc123"}, ft, &memorySink{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	ft.events <- attach("abc123", 1)
	waitFor(t, func() bool { return len(ft.events) == 0 }, "events drained")
	assert.False(t, c.Capturing())
	assert.Equal(t, int32(0), ft.closes.Load())
	assert.Equal(t, 0, ft.openCount())

	// The controller keeps waiting: a later attach succeeds.
	ft.mu.Lock()
	ft.failOpen = false
	ft.mu.Unlock()
	ft.events <- attach("abc123", 1)
	waitFor(t, c.Capturing, "capture to start after earlier failure")
}

func TestDetachWithExitOnDisconnect(t *testing.T) {
	ft := newFakeTransport()
	c := NewController(Config{UDID: "abc123", ExitOnDisconnect: true}, ft, &memorySink{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	ft.events <- attach("abc123", 1)
	waitFor(t, c.Capturing, "capture to start")

	ft.events <- detach("abc123", 1)
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after bound device detached")
	}
	assert.Equal(t, int32(1), ft.closes.Load())
}

func TestDetachOfUnboundDeviceIgnored(t *testing.T) {
	ft := newFakeTransport()
	c := NewController(Config{UDID: "abc123", ExitOnDisconnect: true}, ft, &memorySink{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	ft.events <- attach("abc123", 1)
	waitFor(t, c.Capturing, "capture to start")

	ft.events <- detach("other", 9)
	waitFor(t, func() bool { return len(ft.events) == 0 }, "events drained")
	assert.True(t, c.Capturing(), "session must survive unrelated detach")
}

func TestSinkFailureTearsDownSessionOnly(t *testing.T) {
	ft := newFakeTransport()
	ms := &memorySink{failAll: true}
	c := NewController(Config{UDID: "abc123"}, ft, ms)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	ft.events <- attach("abc123", 1)
	waitFor(t, c.Capturing, "capture to start")

	_, err := ft.peer(0).Write(framedRecord(hci.TypeEvent, []byte{0x01}))
	require.NoError(t, err)

	waitFor(t, func() bool { return !c.Capturing() }, "session teardown on sink failure")
	assert.Equal(t, int32(1), ft.closes.Load())

	// The process keeps running and waiting for events.
	select {
	case err := <-runDone:
		t.Fatalf("Run exited unexpectedly: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}
