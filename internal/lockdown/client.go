// Package lockdown implements the capability handshake with a device's
// lockdown daemon and service startup over an established device connection.
package lockdown

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"howett.net/plist"

	"firestige.xyz/btcap/internal/core"
)

// Lockdown frames each plist with a 4-byte big-endian length prefix. This is
// a different framing than the usbmuxd socket protocol.
const maxMessageLen = 1 << 20

// Client drives the lockdown request/response protocol on one connection.
type Client struct {
	conn  net.Conn
	label string
}

func NewClient(conn net.Conn, label string) *Client {
	return &Client{conn: conn, label: label}
}

type request struct {
	Label   string `plist:"Label"`
	Request string `plist:"Request"`
	Service string `plist:"Service,omitempty"`
}

type response struct {
	Request string `plist:"Request"`
	Type    string `plist:"Type"`
	Error   string `plist:"Error"`
	Service string `plist:"Service"`
	Port    int    `plist:"Port"`
}

func (c *Client) roundTrip(req request, resp *response) error {
	body, err := plist.Marshal(req, plist.XMLFormat)
	if err != nil {
		return fmt.Errorf("failed to encode lockdown request: %w", err)
	}
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(body)))
	if _, err := c.conn.Write(hdr); err != nil {
		return err
	}
	if _, err := c.conn.Write(body); err != nil {
		return err
	}

	if _, err := io.ReadFull(c.conn, hdr); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(hdr)
	if length == 0 || length > maxMessageLen {
		return fmt.Errorf("%w: lockdown message length %d", core.ErrMuxProtocol, length)
	}
	raw := make([]byte, length)
	if _, err := io.ReadFull(c.conn, raw); err != nil {
		return err
	}
	if _, err := plist.Unmarshal(raw, resp); err != nil {
		return fmt.Errorf("%w: %v", core.ErrMuxProtocol, err)
	}
	if resp.Error != "" {
		return fmt.Errorf("%w: %s", core.ErrServiceStart, resp.Error)
	}
	return nil
}

// QueryType verifies the peer is a lockdown daemon.
func (c *Client) QueryType() (string, error) {
	var resp response
	if err := c.roundTrip(request{Label: c.label, Request: "QueryType"}, &resp); err != nil {
		return "", err
	}
	if resp.Type == "" {
		return "", fmt.Errorf("%w: empty QueryType response", core.ErrMuxProtocol)
	}
	return resp.Type, nil
}

// StartService asks lockdown to start the named service and returns the
// device port it listens on.
func (c *Client) StartService(name string) (int, error) {
	var resp response
	req := request{Label: c.label, Request: "StartService", Service: name}
	if err := c.roundTrip(req, &resp); err != nil {
		return 0, err
	}
	if resp.Port == 0 {
		return 0, fmt.Errorf("%w: no port for service %s", core.ErrServiceStart, name)
	}
	return resp.Port, nil
}
