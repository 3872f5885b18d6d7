package sink

import (
	"fmt"
	"os"
	"sync/atomic"
)

// PacketLoggerSink is the passthrough sink: the identity function on the
// record byte stream, written append-only in the device's native format.
type PacketLoggerSink struct {
	file    *os.File
	written atomic.Uint64
}

func NewPacketLoggerSink(path string) (*PacketLoggerSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file %s: %w", path, err)
	}
	return &PacketLoggerSink{file: f}, nil
}

func (s *PacketLoggerSink) WriteRecord(rec []byte) error {
	if _, err := s.file.Write(rec); err != nil {
		return fmt.Errorf("packetlogger write failed: %w", err)
	}
	s.written.Add(1)
	return nil
}

func (s *PacketLoggerSink) Close() error {
	return s.file.Close()
}

func (s *PacketLoggerSink) Stats() Stats {
	return Stats{Written: s.written.Load()}
}

// Open creates the sink for the requested format.
func Open(format Format, path string) (Sink, error) {
	switch format {
	case FormatPcap:
		return NewPcapSink(path)
	case FormatPacketLogger:
		return NewPacketLoggerSink(path)
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
}
