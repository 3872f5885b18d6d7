// Package transport speaks the usbmuxd plist protocol: device attach/detach
// monitoring and tunneled connections to services on an attached device.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"howett.net/plist"

	"firestige.xyz/btcap/internal/core"
	"firestige.xyz/btcap/internal/lockdown"
	"firestige.xyz/btcap/internal/log"
)

const (
	// DefaultSocket is where usbmuxd listens on the local machine.
	DefaultSocket = "/var/run/usbmuxd"

	// EnvSocketAddress overrides the usbmuxd endpoint, either a unix
	// socket path or a host:port address.
	EnvSocketAddress = "USBMUXD_SOCKET_ADDRESS"

	// LockdownPort is the device port of the lockdown daemon.
	LockdownPort = 62078

	progName      = "btcap"
	clientVersion = "btcap-0.1.0"

	muxVersion   = 1
	muxTypePlist = 8
	muxHeaderLen = 16

	// maxMessageLen bounds one plist message, malformed peers included.
	maxMessageLen = 1 << 20
)

// ConnectionType distinguishes the transport class a device is reachable over.
type ConnectionType string

const (
	ConnectionUSB     ConnectionType = "USB"
	ConnectionNetwork ConnectionType = "Network"
)

// EventKind mirrors the usbmuxd notification message types.
type EventKind string

const (
	EventAttached EventKind = "Attached"
	EventDetached EventKind = "Detached"
)

// DeviceProperties identifies one attached device.
type DeviceProperties struct {
	DeviceID       int            `plist:"DeviceID"`
	ConnectionType ConnectionType `plist:"ConnectionType"`
	SerialNumber   string         `plist:"SerialNumber"`
}

// DeviceEvent is one attach or detach notification.
type DeviceEvent struct {
	Kind   EventKind
	Device DeviceProperties
}

// Mux issues usbmuxd requests. Each request opens its own connection, the
// way libusbmuxd does; Monitor holds one open for the notification stream.
type Mux struct {
	addr string
	dial func() (net.Conn, error)
}

// SocketAddress resolves the usbmuxd endpoint from the environment.
func SocketAddress() string {
	if addr := os.Getenv(EnvSocketAddress); addr != "" {
		return addr
	}
	return DefaultSocket
}

// NewMux creates a Mux for a unix socket path or a host:port address.
func NewMux(addr string) *Mux {
	m := &Mux{addr: addr}
	m.dial = func() (net.Conn, error) {
		if strings.HasPrefix(addr, "/") {
			return net.Dial("unix", addr)
		}
		return net.Dial("tcp", addr)
	}
	return m
}

type muxRequest struct {
	MessageType         string `plist:"MessageType"`
	ProgName            string `plist:"ProgName"`
	ClientVersionString string `plist:"ClientVersionString"`
	DeviceID            int    `plist:"DeviceID,omitempty"`
	PortNumber          int    `plist:"PortNumber,omitempty"`
}

type muxMessage struct {
	MessageType string           `plist:"MessageType"`
	Number      int              `plist:"Number"`
	DeviceID    int              `plist:"DeviceID"`
	Properties  DeviceProperties `plist:"Properties"`
	DeviceList  []muxMessage     `plist:"DeviceList"`
}

func newRequest(messageType string) muxRequest {
	return muxRequest{
		MessageType:         messageType,
		ProgName:            progName,
		ClientVersionString: clientVersion,
	}
}

func writeMessage(w io.Writer, tag uint32, payload interface{}) error {
	body, err := plist.Marshal(payload, plist.XMLFormat)
	if err != nil {
		return fmt.Errorf("failed to encode usbmux message: %w", err)
	}
	hdr := make([]byte, muxHeaderLen)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(muxHeaderLen+len(body)))
	binary.LittleEndian.PutUint32(hdr[4:8], muxVersion)
	binary.LittleEndian.PutUint32(hdr[8:12], muxTypePlist)
	binary.LittleEndian.PutUint32(hdr[12:16], tag)
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func readMessage(r io.Reader, v interface{}) error {
	hdr := make([]byte, muxHeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return err
	}
	length := binary.LittleEndian.Uint32(hdr[0:4])
	if length < muxHeaderLen || length > maxMessageLen {
		return fmt.Errorf("%w: message length %d", core.ErrMuxProtocol, length)
	}
	body := make([]byte, length-muxHeaderLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	if _, err := plist.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", core.ErrMuxProtocol, err)
	}
	return nil
}

func resultErr(code int) error {
	switch code {
	case 0:
		return nil
	case 2:
		return core.ErrDeviceNotFound
	case 3:
		return core.ErrConnectionRefused
	default:
		return fmt.Errorf("%w: result code %d", core.ErrMuxProtocol, code)
	}
}

// Devices lists the devices currently known to usbmuxd.
func (m *Mux) Devices() ([]DeviceProperties, error) {
	conn, err := m.dial()
	if err != nil {
		return nil, fmt.Errorf("failed to reach usbmuxd at %s: %w", m.addr, err)
	}
	defer conn.Close()

	if err := writeMessage(conn, 1, newRequest("ListDevices")); err != nil {
		return nil, err
	}
	var msg muxMessage
	if err := readMessage(conn, &msg); err != nil {
		return nil, err
	}
	devices := make([]DeviceProperties, 0, len(msg.DeviceList))
	for _, d := range msg.DeviceList {
		devices = append(devices, d.Properties)
	}
	return devices, nil
}

// Monitor subscribes to attach/detach notifications. The returned channel is
// closed when the context is cancelled or the usbmuxd connection drops.
// Detach notifications carry only the numeric device ID on the wire; Monitor
// resolves them against the attachments it has seen.
func (m *Mux) Monitor(ctx context.Context) (<-chan DeviceEvent, error) {
	conn, err := m.dial()
	if err != nil {
		return nil, fmt.Errorf("failed to reach usbmuxd at %s: %w", m.addr, err)
	}

	if err := writeMessage(conn, 1, newRequest("Listen")); err != nil {
		conn.Close()
		return nil, err
	}
	var result muxMessage
	if err := readMessage(conn, &result); err != nil {
		conn.Close()
		return nil, err
	}
	if err := resultErr(result.Number); err != nil {
		conn.Close()
		return nil, fmt.Errorf("usbmuxd refused listen request: %w", err)
	}

	events := make(chan DeviceEvent)
	var once sync.Once
	stop := func() { once.Do(func() { conn.Close() }) }

	go func() {
		<-ctx.Done()
		stop()
	}()

	go func() {
		defer close(events)
		defer stop()

		emit := func(ev DeviceEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		seen := make(map[int]DeviceProperties)
		for {
			var msg muxMessage
			if err := readMessage(conn, &msg); err != nil {
				if ctx.Err() == nil {
					log.GetLogger().WithError(err).Error("usbmuxd notification stream closed")
				}
				return
			}
			switch EventKind(msg.MessageType) {
			case EventAttached:
				seen[msg.Properties.DeviceID] = msg.Properties
				if !emit(DeviceEvent{Kind: EventAttached, Device: msg.Properties}) {
					return
				}
			case EventDetached:
				props, ok := seen[msg.DeviceID]
				if !ok {
					props = DeviceProperties{DeviceID: msg.DeviceID}
				}
				delete(seen, msg.DeviceID)
				if !emit(DeviceEvent{Kind: EventDetached, Device: props}) {
					return
				}
			default:
				// usbmuxd may emit Paired and others; not our concern.
			}
		}
	}()

	return events, nil
}

// Connect tunnels a connection to the given port on a device. On success the
// returned conn is a raw pipe to the device service.
func (m *Mux) Connect(deviceID, port int) (net.Conn, error) {
	conn, err := m.dial()
	if err != nil {
		return nil, fmt.Errorf("failed to reach usbmuxd at %s: %w", m.addr, err)
	}

	req := newRequest("Connect")
	req.DeviceID = deviceID
	req.PortNumber = htons(port)
	if err := writeMessage(conn, 1, req); err != nil {
		conn.Close()
		return nil, err
	}
	var result muxMessage
	if err := readMessage(conn, &result); err != nil {
		conn.Close()
		return nil, err
	}
	if err := resultErr(result.Number); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect to device %d port %d: %w", deviceID, port, err)
	}
	return conn, nil
}

// OpenService performs the lockdown handshake on a device and returns a
// connection to the named service.
func (m *Mux) OpenService(deviceID int, service string) (io.ReadWriteCloser, error) {
	conn, err := m.Connect(deviceID, LockdownPort)
	if err != nil {
		return nil, err
	}
	ld := lockdown.NewClient(conn, progName)
	if _, err := ld.QueryType(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("lockdown handshake failed: %w", err)
	}
	port, err := ld.StartService(service)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.Close()

	return m.Connect(deviceID, port)
}

// usbmuxd expects the port in network byte order.
func htons(port int) int {
	return int(uint16(port)>>8 | uint16(port)<<8)
}
