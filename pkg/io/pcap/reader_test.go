package pcap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/kddbench/pkg/kdd"
)

// writeCapture stores packets in a pcap file and returns its path.
func writeCapture(t *testing.T, packets ...gopacket.Packet) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "capture.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	for _, p := range packets {
		data := p.Data()
		ci := gopacket.CaptureInfo{
			Timestamp:     p.Metadata().Timestamp,
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return path
}

// captureFixture holds one closed HTTP connection, one SYN without reply
// and one DNS exchange that is still open when the capture ends.
func captureFixture(t *testing.T) string {
	t.Helper()

	c2s := func(flags string, payload int, at time.Duration) gopacket.Packet {
		return tcpPacket(t, segment{src: client, dst: server, sport: 40000, dport: 80, flags: flags, payload: payload, at: at})
	}
	s2c := func(flags string, payload int, at time.Duration) gopacket.Packet {
		return tcpPacket(t, segment{src: server, dst: client, sport: 80, dport: 40000, flags: flags, payload: payload, at: at})
	}

	return writeCapture(t,
		c2s("S", 0, 0),
		s2c("SA", 0, time.Millisecond),
		c2s("A", 200, 2*time.Millisecond),
		s2c("A", 1500, 3*time.Millisecond),
		c2s("FA", 0, 4*time.Millisecond),
		s2c("FA", 0, 5*time.Millisecond),
		tcpPacket(t, segment{src: client, dst: server, sport: 40001, dport: 22, flags: "S", at: 6 * time.Millisecond}),
		udpPacket(t, client, server, 5353, 53, 40, 7*time.Millisecond),
	)
}

func byService(records []kdd.Record) map[string]kdd.Record {
	m := make(map[string]kdd.Record, len(records))
	for _, r := range records {
		m[r.Service] = r
	}
	return m
}

func TestFileReaderRead(t *testing.T) {
	r, err := NewFileReader(captureFixture(t))
	require.NoError(t, err)
	defer r.Close()

	records, err := r.Read()
	require.NoError(t, err)
	require.Len(t, records, 3)

	got := byService(records)
	require.Contains(t, got, "http")
	assert.Equal(t, "SF", got["http"].Flag)
	assert.Equal(t, 200.0, got["http"].Numeric[kdd.SrcBytes])
	assert.Equal(t, 1500.0, got["http"].Numeric[kdd.DstBytes])
	assert.Equal(t, "S0", got["ssh"].Flag)
	assert.Equal(t, "udp", got["domain_u"].Protocol)
	for _, rec := range records {
		assert.Empty(t, rec.Label)
	}
}

func TestFileReaderStream(t *testing.T) {
	r, err := NewFileReader(captureFixture(t))
	require.NoError(t, err)
	defer r.Close()

	records, errc := r.Stream(context.Background())
	var got []kdd.Record
	for rec := range records {
		got = append(got, rec)
	}
	require.NoError(t, <-errc)

	// The open DNS exchange is only emitted by the flush at end of file.
	require.Len(t, got, 3)
	assert.Contains(t, byService(got), "domain_u")
}

func TestFileReaderStreamCancelled(t *testing.T) {
	r, err := NewFileReader(captureFixture(t))
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	records, errc := r.Stream(ctx)
	n := 0
	for range records {
		n++
	}
	if err := <-errc; err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.LessOrEqual(t, n, 3)
}

func TestFileReaderBPFFilter(t *testing.T) {
	r, err := NewFileReader(captureFixture(t))
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.SetBPFFilter("udp"))
	records, err := r.Read()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "domain_u", records[0].Service)

	assert.Error(t, r.SetBPFFilter("not a filter ("))
}

func TestFileReaderErrors(t *testing.T) {
	_, err := NewFileReader(filepath.Join(t.TempDir(), "missing.pcap"))
	assert.Error(t, err)

	r, err := NewFileReader(writeCapture(t))
	require.NoError(t, err)
	defer r.Close()
	_, err = r.Read()
	assert.Error(t, err)

	var empty Reader
	_, err = empty.Read()
	assert.Error(t, err)
	_, errc := empty.Stream(context.Background())
	assert.Error(t, <-errc)
}
