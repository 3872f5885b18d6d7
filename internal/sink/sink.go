// Package sink implements the capture output sinks: the interoperable pcap
// format and the vendor-native PacketLogger passthrough.
package sink

// Format selects the on-disk representation of captured records.
type Format string

const (
	// FormatPacketLogger writes raw vendor records append-only, no framing.
	FormatPacketLogger Format = "packetlogger"
	// FormatPcap translates records into HCI H4 pcap frames.
	FormatPcap Format = "pcap"
)

// Sink receives one vendor record per call, in arrival order. WriteRecord
// returning an error is fatal to the active capture session; a malformed
// record is dropped internally and is not an error.
type Sink interface {
	WriteRecord(rec []byte) error
	Close() error
}

// Stats reports per-sink record counters.
type Stats struct {
	Written uint64
	Dropped uint64
}
