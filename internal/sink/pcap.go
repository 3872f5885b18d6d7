package sink

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/btcap/internal/hci"
	"firestige.xyz/btcap/internal/log"
)

// LinkTypeBluetoothHCIH4WithPHDR is DLT 201, Bluetooth HCI H4 with the
// direction pseudo-header. gopacket/layers has no named constant for it.
const LinkTypeBluetoothHCIH4WithPHDR = layers.LinkType(201)

// PcapSink translates vendor records into H4 frames and appends them to a
// pcap file. Each record is synced to disk before WriteRecord returns, so a
// crash loses at most the record in flight.
type PcapSink struct {
	file    *os.File
	writer  *pcapgo.Writer
	written atomic.Uint64
	dropped atomic.Uint64
}

// NewPcapSink creates the output file and writes the pcap file header.
func NewPcapSink(path string) (*PcapSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file %s: %w", path, err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(hci.MaxPacketSize, LinkTypeBluetoothHCIH4WithPHDR); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write pcap file header: %w", err)
	}
	return &PcapSink{file: f, writer: w}, nil
}

func (s *PcapSink) WriteRecord(rec []byte) error {
	pkt, err := hci.Translate(rec)
	if err != nil {
		// Record-local corruption never escalates beyond the record.
		s.dropped.Add(1)
		log.GetLogger().WithError(err).Warn("dropping malformed capture record")
		return nil
	}

	ci := gopacket.CaptureInfo{
		Timestamp:     pkt.Timestamp,
		CaptureLength: pkt.CaptureLength,
		Length:        pkt.OriginalLength,
	}
	if err := s.writer.WritePacket(ci, pkt.Data); err != nil {
		return fmt.Errorf("pcap write failed: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("pcap sync failed: %w", err)
	}
	s.written.Add(1)
	return nil
}

func (s *PcapSink) Close() error {
	return s.file.Close()
}

func (s *PcapSink) Stats() Stats {
	return Stats{Written: s.written.Load(), Dropped: s.dropped.Load()}
}
