// Package pcap builds NSL-KDD style connection records from packet
// captures.
package pcap

import (
	"context"
	"errors"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"

	kio "github.com/hed1ad/kddbench/pkg/io"
	"github.com/hed1ad/kddbench/pkg/kdd"
)

var _ kio.RecordReader = (*Reader)(nil)

// Reader reads packets from PCAP files or live interfaces and assembles
// them into connection records.
type Reader struct {
	handle    *pcap.Handle
	assembler *Assembler
	isLive    bool
}

// NewFileReader creates a reader for PCAP files.
func NewFileReader(filename string, opts ...AssemblerOption) (*Reader, error) {
	handle, err := pcap.OpenOffline(filename)
	if err != nil {
		return nil, err
	}

	return &Reader{
		handle:    handle,
		assembler: NewAssembler(opts...),
		isLive:    false,
	}, nil
}

// NewLiveReader creates a reader for live packet capture.
func NewLiveReader(iface string, snaplen int32, promisc bool, timeout time.Duration, opts ...AssemblerOption) (*Reader, error) {
	handle, err := pcap.OpenLive(iface, snaplen, promisc, timeout)
	if err != nil {
		return nil, err
	}

	return &Reader{
		handle:    handle,
		assembler: NewAssembler(opts...),
		isLive:    true,
	}, nil
}

// SetBPFFilter restricts captured packets with a BPF expression.
func (r *Reader) SetBPFFilter(expr string) error {
	if r.handle == nil {
		return errors.New("reader not initialized")
	}
	return r.handle.SetBPFFilter(expr)
}

// Read returns the records of every connection in the capture. On a live
// interface it blocks until the handle is closed.
func (r *Reader) Read() ([]kdd.Record, error) {
	if r.handle == nil {
		return nil, errors.New("reader not initialized")
	}

	var records []kdd.Record
	packetSource := gopacket.NewPacketSource(r.handle, r.handle.LinkType())

	for packet := range packetSource.Packets() {
		records = append(records, r.assembler.Add(packet)...)
	}
	records = append(records, r.assembler.Flush()...)

	if len(records) == 0 {
		return nil, errors.New("no connections in capture")
	}
	return records, nil
}

// Stream emits connection records as connections finish. Live captures
// also expire idle connections on wall clock time. When ctx is cancelled
// the open connections are flushed before ctx.Err() is reported, so the
// caller must keep draining the record channel until it is closed.
func (r *Reader) Stream(ctx context.Context) (<-chan kdd.Record, <-chan error) {
	out := make(chan kdd.Record, 1000)
	errc := make(chan error, 1)

	if r.handle == nil {
		errc <- errors.New("reader not initialized")
		close(out)
		close(errc)
		return out, errc
	}

	packetSource := gopacket.NewPacketSource(r.handle, r.handle.LinkType())

	go func() {
		defer close(errc)
		defer close(out)

		// send returns the records it could not deliver before ctx was done.
		send := func(records []kdd.Record) []kdd.Record {
			for i, rec := range records {
				select {
				case out <- rec:
				case <-ctx.Done():
					return records[i:]
				}
			}
			return nil
		}
		stop := func(pending []kdd.Record) {
			for _, rec := range append(pending, r.assembler.Flush()...) {
				out <- rec
			}
			errc <- ctx.Err()
		}

		var tick <-chan time.Time
		if r.isLive {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			select {
			case <-ctx.Done():
				stop(nil)
				return
			case now := <-tick:
				if pending := send(r.assembler.Expire(now)); pending != nil {
					stop(pending)
					return
				}
			case packet, ok := <-packetSource.Packets():
				if !ok {
					for _, rec := range r.assembler.Flush() {
						out <- rec
					}
					return
				}
				if pending := send(r.assembler.Add(packet)); pending != nil {
					stop(pending)
					return
				}
			}
		}
	}()

	return out, errc
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.handle != nil {
		r.handle.Close()
	}
	return nil
}
