package pcap

import (
	"net"
	"sort"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/hed1ad/kddbench/pkg/kdd"
)

const (
	protoTCP  = "tcp"
	protoUDP  = "udp"
	protoICMP = "icmp"
)

// Defaults for the connection tracker.
const (
	DefaultIdleTimeout   = 60 * time.Second
	DefaultTrafficWindow = 2 * time.Second
)

// flowKey identifies a connection independent of packet direction.
type flowKey struct {
	proto          string
	loIP, hiIP     string
	loPort, hiPort uint16
}

func newFlowKey(proto string, src, dst net.IP, sport, dport uint16) flowKey {
	a, b := src.String(), dst.String()
	if a > b || (a == b && sport > dport) {
		a, b = b, a
		sport, dport = dport, sport
	}
	return flowKey{proto: proto, loIP: a, hiIP: b, loPort: sport, hiPort: dport}
}

// conn accumulates the packets of one connection. The originator is the
// sender of the first packet seen.
type conn struct {
	proto      string
	service    string
	srcIP      string
	dstIP      string
	srcPort    uint16
	dstPort    uint16
	start      time.Time
	last       time.Time
	srcBytes   int
	dstBytes   int
	wrongFrags int
	urgent     int

	// TCP state
	syn, synAck      bool
	finOrig, finResp bool
	rstOrig, rstResp bool

	// closed connections stay tracked until idle; trailing packets are
	// ignored
	closed bool
}

// flag returns the NSL-KDD connection status.
func (c *conn) flag() string {
	if c.proto != protoTCP {
		return "SF"
	}

	established := c.syn && c.synAck
	switch {
	case !c.syn:
		return "OTH"
	case established && c.rstOrig:
		return "RSTO"
	case established && c.rstResp:
		return "RSTR"
	case established && c.finOrig && c.finResp:
		return "SF"
	case established && c.finOrig:
		return "S2"
	case established && c.finResp:
		return "S3"
	case established:
		return "S1"
	case c.rstResp:
		return "REJ"
	case c.rstOrig:
		return "RSTOS0"
	case c.finOrig:
		return "SH"
	}
	return "S0"
}

// summary is what the traffic window remembers about a finished
// connection.
type summary struct {
	start   time.Time
	dstIP   string
	service string
	flag    string
}

func (s summary) synError() bool {
	switch s.flag {
	case "S0", "S1", "S2", "S3":
		return true
	}
	return false
}

func (s summary) rejError() bool {
	return s.flag == "REJ"
}

// Assembler groups packets into bidirectional connections and turns
// finished connections into NSL-KDD records. Content and host window
// features are left at zero. An Assembler is not safe for concurrent use.
type Assembler struct {
	idleTimeout time.Duration
	window      time.Duration

	conns   map[flowKey]*conn
	history []summary
	now     time.Time
	swept   time.Time
}

// AssemblerOption configures an Assembler.
type AssemblerOption func(*Assembler)

// WithIdleTimeout sets how long a connection may stay silent before it is
// considered finished.
func WithIdleTimeout(d time.Duration) AssemblerOption {
	return func(a *Assembler) {
		a.idleTimeout = d
	}
}

// WithTrafficWindow sets the time window of the traffic features.
func WithTrafficWindow(d time.Duration) AssemblerOption {
	return func(a *Assembler) {
		a.window = d
	}
}

// NewAssembler creates an Assembler.
func NewAssembler(opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		idleTimeout: DefaultIdleTimeout,
		window:      DefaultTrafficWindow,
		conns:       make(map[flowKey]*conn),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Active returns the number of connections not yet emitted.
func (a *Assembler) Active() int {
	n := 0
	for _, c := range a.conns {
		if !c.closed {
			n++
		}
	}
	return n
}

// Add feeds one packet and returns the records of every connection that
// finished because of it, either by closing or by idling out.
func (a *Assembler) Add(packet gopacket.Packet) []kdd.Record {
	ts := packet.Metadata().Timestamp
	if ts.After(a.now) {
		a.now = ts
	}

	var done []*conn
	if c := a.track(packet, ts); c != nil && c.closed {
		done = append(done, c)
	}
	if a.now.Sub(a.swept) >= time.Second {
		done = append(done, a.idle(a.now)...)
		a.swept = a.now
	}

	return a.emit(done)
}

// Expire emits connections idle since before now minus the idle timeout.
func (a *Assembler) Expire(now time.Time) []kdd.Record {
	return a.emit(a.idle(now))
}

// Flush emits every remaining connection.
func (a *Assembler) Flush() []kdd.Record {
	done := make([]*conn, 0, len(a.conns))
	for k, c := range a.conns {
		if !c.closed {
			done = append(done, c)
		}
		delete(a.conns, k)
	}
	return a.emit(done)
}

func (a *Assembler) idle(now time.Time) []*conn {
	var done []*conn
	for k, c := range a.conns {
		if now.Sub(c.last) > a.idleTimeout {
			if !c.closed {
				done = append(done, c)
			}
			delete(a.conns, k)
		}
	}
	return done
}

// track updates the connection the packet belongs to. It returns nil for
// packets without an IPv4 or IPv6 transport.
func (a *Assembler) track(packet gopacket.Packet, ts time.Time) *conn {
	var src, dst net.IP
	var badFrag, isV4 bool
	if ip, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
		src, dst, isV4 = ip.SrcIP, ip.DstIP, true
		badFrag = wrongFragment(ip)
	} else if ip, ok := packet.Layer(layers.LayerTypeIPv6).(*layers.IPv6); ok {
		src, dst = ip.SrcIP, ip.DstIP
	} else {
		return nil
	}

	var (
		proto        string
		sport, dport uint16
		payload      int
		tcp          *layers.TCP
		service      string
	)
	switch {
	case packet.Layer(layers.LayerTypeTCP) != nil:
		tcp = packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
		proto, sport, dport = protoTCP, uint16(tcp.SrcPort), uint16(tcp.DstPort)
		payload = len(tcp.Payload)
	case packet.Layer(layers.LayerTypeUDP) != nil:
		udp := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		proto, sport, dport = protoUDP, uint16(udp.SrcPort), uint16(udp.DstPort)
		payload = len(udp.Payload)
	case isV4 && packet.Layer(layers.LayerTypeICMPv4) != nil:
		icmp := packet.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		proto = protoICMP
		payload = len(icmp.Payload)
		service = icmpService(icmp.TypeCode.Type())
	default:
		return nil
	}

	key := newFlowKey(proto, src, dst, sport, dport)
	c, ok := a.conns[key]
	if ok && c.closed {
		if tcp == nil || !tcp.SYN || tcp.ACK {
			c.last = ts
			return nil
		}
		ok = false
	}
	if !ok {
		c = &conn{
			proto:   proto,
			service: service,
			srcIP:   src.String(),
			dstIP:   dst.String(),
			srcPort: sport,
			dstPort: dport,
			start:   ts,
		}
		if proto != protoICMP {
			c.service = portService(proto, dport)
		}
		a.conns[key] = c
	}
	c.last = ts

	fromOrig := src.String() == c.srcIP && sport == c.srcPort
	if fromOrig {
		c.srcBytes += payload
	} else {
		c.dstBytes += payload
	}
	if badFrag {
		c.wrongFrags++
	}

	if tcp != nil {
		if tcp.URG {
			c.urgent++
		}
		switch {
		case tcp.SYN && !tcp.ACK && fromOrig:
			c.syn = true
		case tcp.SYN && tcp.ACK && !fromOrig:
			c.synAck = true
		}
		if tcp.FIN {
			if fromOrig {
				c.finOrig = true
			} else {
				c.finResp = true
			}
		}
		if tcp.RST {
			if fromOrig {
				c.rstOrig = true
			} else {
				c.rstResp = true
			}
		}
		if c.rstOrig || c.rstResp || (c.finOrig && c.finResp) {
			c.closed = true
		}
	}

	return c
}

// wrongFragment reports fragments whose geometry is invalid: a non-final
// fragment with a payload that is not a multiple of 8 bytes, or one that
// extends past the maximum datagram size.
func wrongFragment(ip *layers.IPv4) bool {
	payload := int(ip.Length) - int(ip.IHL)*4
	if ip.Flags&layers.IPv4MoreFragments != 0 && payload%8 != 0 {
		return true
	}
	return int(ip.FragOffset)*8+payload > 65535
}

// emit converts finished connections to records in start order, filling
// the traffic features from the connections that started within the
// window before each one.
func (a *Assembler) emit(done []*conn) []kdd.Record {
	if len(done) == 0 {
		return nil
	}
	sort.Slice(done, func(i, j int) bool {
		return done[i].start.Before(done[j].start)
	})

	records := make([]kdd.Record, 0, len(done))
	for _, c := range done {
		s := summary{start: c.start, dstIP: c.dstIP, service: c.service, flag: c.flag()}
		a.prune(c.start)
		a.history = append(a.history, s)

		r := kdd.Record{
			Protocol: c.proto,
			Service:  c.service,
			Flag:     s.flag,
		}
		r.Numeric[kdd.Duration] = c.last.Sub(c.start).Truncate(time.Second).Seconds()
		r.Numeric[kdd.SrcBytes] = float64(c.srcBytes)
		r.Numeric[kdd.DstBytes] = float64(c.dstBytes)
		if c.srcIP == c.dstIP && c.srcPort == c.dstPort {
			r.Numeric[kdd.Land] = 1
		}
		r.Numeric[kdd.WrongFragment] = float64(c.wrongFrags)
		r.Numeric[kdd.Urgent] = float64(c.urgent)
		a.traffic(&r, s)

		records = append(records, r)
	}
	return records
}

// prune drops history entries that started before the window of t.
func (a *Assembler) prune(t time.Time) {
	cutoff := t.Add(-a.window)
	keep := a.history[:0]
	for _, h := range a.history {
		if !h.start.Before(cutoff) {
			keep = append(keep, h)
		}
	}
	a.history = keep
}

// traffic fills the time based traffic features of r. s is already in
// the history.
func (a *Assembler) traffic(r *kdd.Record, s summary) {
	cutoff := s.start.Add(-a.window)

	var host, hostSerr, hostRerr, hostSameSrv int
	var srv, srvSerr, srvRerr, srvDiffHost int
	for _, h := range a.history {
		if h.start.Before(cutoff) || h.start.After(s.start) {
			continue
		}
		if h.dstIP == s.dstIP {
			host++
			if h.synError() {
				hostSerr++
			}
			if h.rejError() {
				hostRerr++
			}
			if h.service == s.service {
				hostSameSrv++
			}
		}
		if h.service == s.service {
			srv++
			if h.synError() {
				srvSerr++
			}
			if h.rejError() {
				srvRerr++
			}
			if h.dstIP != s.dstIP {
				srvDiffHost++
			}
		}
	}

	r.Numeric[kdd.Count] = float64(host)
	r.Numeric[kdd.SrvCount] = float64(srv)
	r.Numeric[kdd.SerrorRate] = rate(hostSerr, host)
	r.Numeric[kdd.SrvSerrorRate] = rate(srvSerr, srv)
	r.Numeric[kdd.RerrorRate] = rate(hostRerr, host)
	r.Numeric[kdd.SrvRerrorRate] = rate(srvRerr, srv)
	r.Numeric[kdd.SameSrvRate] = rate(hostSameSrv, host)
	if host > 0 {
		r.Numeric[kdd.DiffSrvRate] = 1 - r.Numeric[kdd.SameSrvRate]
	}
	r.Numeric[kdd.SrvDiffHostRate] = rate(srvDiffHost, srv)
}

func rate(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
