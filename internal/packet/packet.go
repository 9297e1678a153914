// Package packet owns the simulator's packet representation: an immutable
// byte buffer plus a parsed-header cache (spec §3, C2). Parsing follows the
// IPv4 header layout conventions used throughout the pack's networking
// repositories (field offsets match net/netip-friendly decoding as seen in
// the Fuchsia netstack-adjacent sources), generalized into this module's own
// types rather than copied verbatim.
package packet

import (
	"encoding/binary"
	"net/netip"
)

// QoSClass selects a shaper class (spec §4.4); derived from the DSCP field
// of the IPv4 header's ToS byte.
type QoSClass int

const (
	BestEffort QoSClass = iota
	Background
	Bulk
	Video
	Voice
	NetworkControl
	InternetworkControl
	Critical
)

var qosClassNames = [...]string{
	"BestEffort", "Background", "Bulk", "Video", "Voice",
	"NetworkControl", "InternetworkControl", "Critical",
}

func (c QoSClass) String() string {
	if int(c) < 0 || int(c) >= len(qosClassNames) {
		return "Unknown"
	}
	return qosClassNames[c]
}

// dscpToClass maps the 6-bit DSCP field into one of the 8 shaper classes by
// its 3 most-significant bits (the traditional IP-precedence mapping).
func dscpToClass(dscp byte) QoSClass {
	return QoSClass(dscp >> 3 & 0x7)
}

// Header is the parsed view cached alongside the raw bytes. It never
// outlives the Packet it was parsed from and is never mutated in place.
type Header struct {
	Src       netip.Addr
	Dst       netip.Addr
	Protocol  uint8
	SrcPort   uint16
	DstPort   uint16
	DSCP      byte
	QoS       QoSClass
	TTL       uint8
	TotalLen  uint16
	ChecksumOK bool
}

// Packet is immutable after construction; ownership transfers from
// producer to queue to consumer. Duplication (impairment stage) clones the
// buffer via Clone.
type Packet struct {
	bytes      []byte
	ingressIf  string
	ingressTS  int64
	header     Header
	headerOK   bool
}

// New parses raw IPv4 bytes received on ingressIf at ingressTS (a
// clock.Clock nanosecond timestamp) into a Packet. If the header cannot be
// parsed, headerOK is false and callers must drop the packet (spec §4.6
// step 1). A header that parses but fails its checksum still yields
// headerOK true, with Header.ChecksumOK false.
func New(raw []byte, ingressIf string, ingressTS int64) *Packet {
	buf := make([]byte, len(raw))
	copy(buf, raw)
	p := &Packet{bytes: buf, ingressIf: ingressIf, ingressTS: ingressTS}
	if h, ok := parseIPv4(buf); ok {
		p.header = h
		p.headerOK = true
	}
	return p
}

// Bytes returns the immutable wire representation.
func (p *Packet) Bytes() []byte { return p.bytes }

// Size is the byte length used by shaping/impairment rate accounting.
func (p *Packet) Size() int { return len(p.bytes) }

// IngressInterface is the name of the interface the packet arrived on.
func (p *Packet) IngressInterface() string { return p.ingressIf }

// IngressTimestamp is the clock.Clock nanosecond value at arrival.
func (p *Packet) IngressTimestamp() int64 { return p.ingressTS }

// Header returns the parsed header and whether parsing succeeded.
func (p *Packet) Header() (Header, bool) { return p.header, p.headerOK }

// Clone produces an independent copy sharing no backing array, used by the
// impairment pipeline's duplication stage (spec §4.5 P3: duplicates share
// identical payload but receive independent subsequent delays/scheduling).
func (p *Packet) Clone() *Packet {
	buf := make([]byte, len(p.bytes))
	copy(buf, p.bytes)
	return &Packet{
		bytes:     buf,
		ingressIf: p.ingressIf,
		ingressTS: p.ingressTS,
		header:    p.header,
		headerOK:  p.headerOK,
	}
}

// WithTTL returns a new Packet with the TTL field decremented in both the
// wire bytes and the parsed header cache. Packets are immutable, so TTL
// decrement (spec §4.6 step 4) always produces a new value rather than
// mutating in place.
func (p *Packet) WithTTL(ttl uint8) *Packet {
	np := p.Clone()
	if len(np.bytes) >= 9 {
		np.bytes[8] = ttl
	}
	np.header.TTL = ttl
	return np
}

// Corrupt flips bit bitIndex (mod payload bit length) of the payload,
// simulating the impairment pipeline's corruption stage (spec §4.5). It
// returns a new Packet; the header cache's checksum validity is not
// recomputed, matching netem's userspace-corruption semantics of not
// repairing checksums after the fact. If the header could not be parsed,
// the whole buffer counts as payload; a packet with no payload is returned
// unchanged.
func (p *Packet) Corrupt(bitIndex int) *Packet {
	np := p.Clone()
	payload := np.bytes
	if np.headerOK {
		payload = np.bytes[int(np.bytes[0]&0x0f)*4:]
	}
	if len(payload) == 0 {
		return np
	}
	bit := bitIndex % (len(payload) * 8)
	payload[bit/8] ^= 1 << uint(bit%8)
	return np
}

func parseIPv4(b []byte) (Header, bool) {
	var h Header
	if len(b) < 20 {
		return h, false
	}
	verIHL := b[0]
	version := verIHL >> 4
	ihl := int(verIHL&0x0f) * 4
	if version != 4 || ihl < 20 || len(b) < ihl {
		return h, false
	}
	totalLen := binary.BigEndian.Uint16(b[2:4])
	ttl := b[8]
	proto := b[9]
	srcIP, ok1 := netip.AddrFromSlice(b[12:16])
	dstIP, ok2 := netip.AddrFromSlice(b[16:20])
	if !ok1 || !ok2 {
		return h, false
	}

	h.Src = srcIP
	h.Dst = dstIP
	h.Protocol = proto
	h.TTL = ttl
	h.TotalLen = totalLen
	h.DSCP = b[1] >> 2
	h.QoS = dscpToClass(h.DSCP)
	h.ChecksumOK = ipv4ChecksumOK(b[:ihl])

	if len(b) >= ihl+4 && (proto == 6 || proto == 17) {
		h.SrcPort = binary.BigEndian.Uint16(b[ihl : ihl+2])
		h.DstPort = binary.BigEndian.Uint16(b[ihl+2 : ihl+4])
	}

	return h, true
}

// ipv4ChecksumOK recomputes the IPv4 header checksum (RFC 791 one's
// complement sum) and compares it against the header's own checksum field.
func ipv4ChecksumOK(header []byte) bool {
	if len(header) < 20 || len(header)%2 != 0 {
		return false
	}
	var sum uint32
	for i := 0; i+1 < len(header); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(header[i : i+2]))
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return sum&0xffff == 0xffff
}
