// Package hci translates Apple PacketLogger records into HCI H4 capture
// frames suitable for a pcap file with the direction pseudo-header link type.
package hci

import (
	"encoding/binary"
	"fmt"
	"time"

	"firestige.xyz/btcap/internal/core"
)

// PacketLogger type discriminators as emitted by the device.
const (
	TypeCommand byte = 0x00
	TypeEvent   byte = 0x01
	TypeSentACL byte = 0x02
	TypeRecvACL byte = 0x03
)

// HCI H4 packet indicators used by the pcap link layer.
const (
	H4Command byte = 0x01
	H4ACLData byte = 0x02
	H4Event   byte = 0x04
)

const (
	// HeaderLen is the fixed PacketLogger header: length, seconds and
	// microseconds, each a big-endian uint32.
	HeaderLen = 12

	// frameLen is the header plus the type discriminator byte.
	frameLen = HeaderLen + 1

	// DirectionLen is the size of the pcap direction pseudo-header.
	DirectionLen = 4

	// MaxPacketSize is the protocol ceiling on a capture record. Records
	// whose computed lengths exceed it are corrupt and must be dropped
	// before they can break the output stream framing.
	MaxPacketSize = 65535
)

// Direction tells whether a frame travelled host to controller or back.
// It is serialized big-endian as the 4-byte pseudo-header of each frame.
type Direction uint32

const (
	DirectionSent Direction = 0x00000000
	DirectionRecv Direction = 0x00000001
)

// Header is the fixed-size prefix of one PacketLogger record. Length counts
// every byte after the header: the type discriminator plus the payload.
type Header struct {
	Length  uint32
	Seconds uint32
	Micros  uint32
}

// ParseHeader decodes the record header, canonicalizing the wire byte order.
func ParseHeader(rec []byte) (Header, error) {
	if len(rec) < frameLen {
		return Header{}, fmt.Errorf("%w: %d bytes", core.ErrRecordTooShort, len(rec))
	}
	return Header{
		Length:  binary.BigEndian.Uint32(rec[0:4]),
		Seconds: binary.BigEndian.Uint32(rec[4:8]),
		Micros:  binary.BigEndian.Uint32(rec[8:12]),
	}, nil
}

// Packet is one translated capture record. Data starts with the 4-byte
// direction pseudo-header, followed by the H4 packet indicator and the
// original payload.
type Packet struct {
	Timestamp      time.Time
	CaptureLength  int
	OriginalLength int
	Direction      Direction
	Data           []byte
}

// Translate converts one vendor record into an H4 capture frame. A new
// output buffer is built per record; the input is never modified. Oversized
// or short records yield an error and no packet.
func Translate(rec []byte) (Packet, error) {
	hdr, err := ParseHeader(rec)
	if err != nil {
		return Packet{}, err
	}

	caplen := int(hdr.Length) + DirectionLen
	origlen := len(rec) - HeaderLen + DirectionLen
	if caplen > MaxPacketSize || origlen > MaxPacketSize {
		return Packet{}, fmt.Errorf("%w: caplen=%d origlen=%d", core.ErrRecordTooLarge, caplen, origlen)
	}

	h4, dir := MapType(rec[HeaderLen])

	data := make([]byte, 0, DirectionLen+1+len(rec)-frameLen)
	data = binary.BigEndian.AppendUint32(data, uint32(dir))
	data = append(data, h4)
	data = append(data, rec[frameLen:]...)

	// The declared length bounds how much of the frame was captured. A
	// record carrying fewer bytes than declared is written as-is, like
	// pcap_dump truncating at caplen.
	if caplen > len(data) {
		caplen = len(data)
	}
	data = data[:caplen]

	return Packet{
		Timestamp:      time.Unix(int64(hdr.Seconds), int64(hdr.Micros)*1000),
		CaptureLength:  caplen,
		OriginalLength: origlen,
		Direction:      dir,
		Data:           data,
	}, nil
}

// MapType maps a PacketLogger type discriminator to the H4 indicator and
// frame direction. Unrecognized values pass through unchanged and are
// treated as controller-to-host.
func MapType(typ byte) (byte, Direction) {
	switch typ {
	case TypeEvent:
		return H4Event, DirectionRecv
	case TypeCommand:
		return H4Command, DirectionSent
	case TypeSentACL:
		return H4ACLData, DirectionSent
	case TypeRecvACL:
		return H4ACLData, DirectionRecv
	default:
		return typ, DirectionRecv
	}
}
