// Package bgp implements the BGP-4 neighbor FSM (spec §4.3.1, C5): message
// encode/decode, per-neighbor state machine driven by internal/clock
// timers, an adj-RIB-in, and the BGP-internal best-path tie-break that
// runs before a winning route is handed to internal/rib.
//
// Message framing and attribute flag bits are grounded on
// transitorykris-kbgp's bgp/attribute.go (optional/well-known/transitive/
// partial/extended-length flag accessors) and message.go/messages.go
// header layout, generalized into this module's own types.
package bgp

import (
	"encoding/binary"
	"fmt"

	"github.com/routersim/routersim/internal/errs"
)

// Type identifies a BGP message per RFC 4271 §4.
type Type uint8

const (
	TypeOpen         Type = 1
	TypeUpdate       Type = 2
	TypeNotification Type = 3
	TypeKeepalive    Type = 4
)

const headerLen = 19 // 16-byte marker + 2-byte length + 1-byte type
const markerLen = 16

// attrFlag is the bitmask layout of a path attribute's flags octet
// (RFC 4271 §4.3), named the way transitorykris-kbgp's attributeType does.
type attrFlag uint8

const (
	flagOptional       attrFlag = 1 << 7
	flagTransitive     attrFlag = 1 << 6
	flagPartial        attrFlag = 1 << 5
	flagExtendedLength attrFlag = 1 << 4
)

// AttrType enumerates the path attribute type codes this module
// interprets. parsePathAttrs keeps attributes with any other type code in
// Update.PathAttrs with their flags as received (the partial bit is not
// set), and attrsFromPath ignores them.
type AttrType uint8

const (
	AttrOrigin          AttrType = 1
	AttrASPath          AttrType = 2
	AttrNextHop         AttrType = 3
	AttrMED             AttrType = 4
	AttrLocalPref       AttrType = 5
	AttrAtomicAggregate AttrType = 6
	AttrAggregator      AttrType = 7
)

// Open is the BGP OPEN message (RFC 4271 §4.2). HoldTime is the sender's
// proposed hold time in seconds; the negotiated hold time is
// min(local, remote). ASN carries the 2-octet legacy field. MarshalOpen
// writes no optional parameters, so no 4-octet AS capability (RFC 6793) is
// advertised, and UnmarshalOpen does not read received ones.
type Open struct {
	Version  uint8
	ASN      uint16
	HoldTime uint16
	RouterID uint32
	ASN4     uint32 // not encoded or decoded; always 0 after UnmarshalOpen
}

// PathAttr is one decoded path attribute.
type PathAttr struct {
	Type    AttrType
	Flags   attrFlag
	Value   []byte
}

func (a PathAttr) optional() bool   { return a.Flags&flagOptional != 0 }
func (a PathAttr) transitive() bool { return a.Flags&flagTransitive != 0 }
func (a PathAttr) partial() bool    { return a.Flags&flagPartial != 0 }

// NLRI is one withdrawn-routes or NLRI prefix entry: a prefix length in
// bits followed by the minimum number of octets needed to hold it.
type NLRI struct {
	PrefixLen uint8
	Prefix    [4]byte
}

// Update is the BGP UPDATE message (RFC 4271 §4.3).
type Update struct {
	WithdrawnRoutes []NLRI
	PathAttrs       []PathAttr
	NLRI            []NLRI
}

// Notification is the BGP NOTIFICATION message (RFC 4271 §4.5).
type Notification struct {
	ErrorCode    uint8
	ErrorSubcode uint8
	Data         []byte
}

// Message is the decoded form of any BGP message on the wire.
type Message struct {
	Type         Type
	Open         *Open
	Update       *Update
	Notification *Notification
}

// MarshalOpen encodes an OPEN message with its RFC4271 header.
func MarshalOpen(o Open) []byte {
	body := make([]byte, 10)
	body[0] = o.Version
	binary.BigEndian.PutUint16(body[1:3], o.ASN)
	binary.BigEndian.PutUint16(body[3:5], o.HoldTime)
	binary.BigEndian.PutUint32(body[5:9], o.RouterID)
	body[9] = 0 // optional parameters length; capability negotiation omitted from the wire form
	return frame(TypeOpen, body)
}

// UnmarshalOpen decodes an OPEN message body (post-header).
func UnmarshalOpen(body []byte) (Open, error) {
	if len(body) < 10 {
		return Open{}, errs.New(errs.ProtocolViolation, "OPEN message too short")
	}
	return Open{
		Version:  body[0],
		ASN:      binary.BigEndian.Uint16(body[1:3]),
		HoldTime: binary.BigEndian.Uint16(body[3:5]),
		RouterID: binary.BigEndian.Uint32(body[5:9]),
	}, nil
}

// MarshalKeepalive encodes the (empty-body) KEEPALIVE message.
func MarshalKeepalive() []byte { return frame(TypeKeepalive, nil) }

// MarshalNotification encodes a NOTIFICATION message.
func MarshalNotification(n Notification) []byte {
	body := append([]byte{n.ErrorCode, n.ErrorSubcode}, n.Data...)
	return frame(TypeNotification, body)
}

// UnmarshalNotification decodes a NOTIFICATION message body.
func UnmarshalNotification(body []byte) (Notification, error) {
	if len(body) < 2 {
		return Notification{}, errs.New(errs.ProtocolViolation, "NOTIFICATION message too short")
	}
	return Notification{ErrorCode: body[0], ErrorSubcode: body[1], Data: body[2:]}, nil
}

// MarshalUpdate encodes an UPDATE message.
func MarshalUpdate(u Update) []byte {
	var body []byte
	body = appendNLRIList(body, u.WithdrawnRoutes)

	var attrBytes []byte
	for _, a := range u.PathAttrs {
		attrBytes = append(attrBytes, byte(a.Flags), byte(a.Type))
		if a.Flags&flagExtendedLength != 0 {
			var l [2]byte
			binary.BigEndian.PutUint16(l[:], uint16(len(a.Value)))
			attrBytes = append(attrBytes, l[:]...)
		} else {
			attrBytes = append(attrBytes, byte(len(a.Value)))
		}
		attrBytes = append(attrBytes, a.Value...)
	}
	var alen [2]byte
	binary.BigEndian.PutUint16(alen[:], uint16(len(attrBytes)))
	body = append(body, alen[:]...)
	body = append(body, attrBytes...)
	body = appendNLRIList(body, u.NLRI)

	return frame(TypeUpdate, body)
}

func appendNLRIList(buf []byte, list []NLRI) []byte {
	var entries []byte
	for _, n := range list {
		octets := (int(n.PrefixLen) + 7) / 8
		entries = append(entries, n.PrefixLen)
		entries = append(entries, n.Prefix[:octets]...)
	}
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(entries)))
	buf = append(buf, l[:]...)
	return append(buf, entries...)
}

// UnmarshalUpdate decodes an UPDATE message body.
func UnmarshalUpdate(body []byte) (Update, error) {
	var u Update
	if len(body) < 2 {
		return u, errs.New(errs.ProtocolViolation, "UPDATE message too short")
	}
	wlen := int(binary.BigEndian.Uint16(body[0:2]))
	off := 2
	if off+wlen > len(body) {
		return u, errs.New(errs.ProtocolViolation, "UPDATE withdrawn-routes length overruns message")
	}
	w, err := parseNLRIList(body[off : off+wlen])
	if err != nil {
		return u, err
	}
	u.WithdrawnRoutes = w
	off += wlen

	if off+2 > len(body) {
		return u, errs.New(errs.ProtocolViolation, "UPDATE missing attribute length")
	}
	alen := int(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2
	if off+alen > len(body) {
		return u, errs.New(errs.ProtocolViolation, "UPDATE path-attribute length overruns message")
	}
	attrs, err := parsePathAttrs(body[off : off+alen])
	if err != nil {
		return u, err
	}
	u.PathAttrs = attrs
	off += alen

	n, err := parseNLRIList(body[off:])
	if err != nil {
		return u, err
	}
	u.NLRI = n
	return u, nil
}

func parseNLRIList(b []byte) ([]NLRI, error) {
	var out []NLRI
	for len(b) > 0 {
		plen := b[0]
		if plen > 32 {
			return nil, errs.New(errs.InvalidPrefix, "NLRI prefix length > 32")
		}
		octets := (int(plen) + 7) / 8
		if len(b) < 1+octets {
			return nil, errs.New(errs.ProtocolViolation, "NLRI entry overruns buffer")
		}
		var entry NLRI
		entry.PrefixLen = plen
		copy(entry.Prefix[:], b[1:1+octets])
		out = append(out, entry)
		b = b[1+octets:]
	}
	return out, nil
}

func parsePathAttrs(b []byte) ([]PathAttr, error) {
	var out []PathAttr
	for len(b) > 0 {
		if len(b) < 3 {
			return nil, errs.New(errs.ProtocolViolation, "path attribute header too short")
		}
		flags := attrFlag(b[0])
		typ := AttrType(b[1])
		var vlen int
		var off int
		if flags&flagExtendedLength != 0 {
			if len(b) < 4 {
				return nil, errs.New(errs.ProtocolViolation, "extended-length attribute header too short")
			}
			vlen = int(binary.BigEndian.Uint16(b[2:4]))
			off = 4
		} else {
			vlen = int(b[2])
			off = 3
		}
		if len(b) < off+vlen {
			return nil, errs.New(errs.ProtocolViolation, "path attribute value overruns buffer")
		}
		out = append(out, PathAttr{Type: typ, Flags: flags, Value: b[off : off+vlen]})
		b = b[off+vlen:]
	}
	return out, nil
}

func frame(t Type, body []byte) []byte {
	out := make([]byte, headerLen+len(body))
	for i := 0; i < markerLen; i++ {
		out[i] = 0xff
	}
	binary.BigEndian.PutUint16(out[markerLen:markerLen+2], uint16(headerLen+len(body)))
	out[markerLen+2] = byte(t)
	copy(out[headerLen:], body)
	return out
}

// Decode parses one framed message off the wire, returning the message and
// the number of bytes consumed.
func Decode(buf []byte) (Message, int, error) {
	if len(buf) < headerLen {
		return Message{}, 0, nil // need more bytes
	}
	length := int(binary.BigEndian.Uint16(buf[markerLen : markerLen+2]))
	if length < headerLen {
		return Message{}, 0, errs.New(errs.ProtocolViolation, "BGP header length field below minimum")
	}
	if len(buf) < length {
		return Message{}, 0, nil // need more bytes
	}
	t := Type(buf[markerLen+2])
	body := buf[headerLen:length]

	var m Message
	m.Type = t
	switch t {
	case TypeOpen:
		o, err := UnmarshalOpen(body)
		if err != nil {
			return Message{}, 0, err
		}
		m.Open = &o
	case TypeUpdate:
		u, err := UnmarshalUpdate(body)
		if err != nil {
			return Message{}, 0, err
		}
		m.Update = &u
	case TypeNotification:
		n, err := UnmarshalNotification(body)
		if err != nil {
			return Message{}, 0, err
		}
		m.Notification = &n
	case TypeKeepalive:
		// no body
	default:
		return Message{}, 0, errs.New(errs.ProtocolViolation, fmt.Sprintf("unknown BGP message type %d", t))
	}
	return m, length, nil
}
