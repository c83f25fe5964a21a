package codec

import (
	"fmt"
	"maps"
	"slices"

	"github.com/sunipkm/peernet/pkg/identity"
	"google.golang.org/protobuf/encoding/protowire"
)

// Kind identifies the purpose of a stream frame.
type Kind uint8

const (
	KindHello Kind = iota + 1
	KindAccept
	KindReject
	KindMessage
	KindPing
	KindPong
	KindBye
)

// String returns the frame kind name.
func (k Kind) String() string {
	switch k {
	case KindHello:
		return "HELLO"
	case KindAccept:
		return "ACCEPT"
	case KindReject:
		return "REJECT"
	case KindMessage:
		return "MESSAGE"
	case KindPing:
		return "PING"
	case KindPong:
		return "PONG"
	case KindBye:
		return "BYE"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// RejectCode tells the remote side why its handshake was refused.
type RejectCode uint32

const (
	RejectUnspecified RejectCode = iota
	RejectMalformed
	RejectVersion
	RejectGroup
	RejectEncryption
	RejectPassphrase
	RejectIdentityConflict
	RejectAlreadyConnected
	RejectBusy
	RejectUnexpectedPeer
	RejectShuttingDown
)

// String returns the code name.
func (c RejectCode) String() string {
	switch c {
	case RejectUnspecified:
		return "Unspecified"
	case RejectMalformed:
		return "Malformed"
	case RejectVersion:
		return "Version"
	case RejectGroup:
		return "Group"
	case RejectEncryption:
		return "Encryption"
	case RejectPassphrase:
		return "Passphrase"
	case RejectIdentityConflict:
		return "IdentityConflict"
	case RejectAlreadyConnected:
		return "AlreadyConnected"
	case RejectBusy:
		return "Busy"
	case RejectUnexpectedPeer:
		return "UnexpectedPeer"
	case RejectShuttingDown:
		return "ShuttingDown"
	default:
		return fmt.Sprintf("RejectCode(%d)", c)
	}
}

// Hello opens a handshake. Each side sends one.
type Hello struct {
	Version  Version
	Group    string
	Name     string
	Instance string
	Flags    Flags

	// KeyCheck is a sealed token proving knowledge of the passphrase.
	// Empty when encryption is off.
	KeyCheck []byte

	// Metadata is delivered to the remote application on connect.
	Metadata map[string]string
}

// Identity returns the (group, name) the sender claims.
func (h *Hello) Identity() identity.Identity {
	return identity.Identity{Group: h.Group, Name: h.Name}
}

// Reject refuses a handshake.
type Reject struct {
	Code   RejectCode
	Reason string
}

// Message carries one application message.
type Message struct {
	Type        string
	SenderGroup string
	SenderName  string
	Payload     []byte
}

// Sender returns the identity of the sending peer.
func (m *Message) Sender() identity.Identity {
	return identity.Identity{Group: m.SenderGroup, Name: m.SenderName}
}

// Frame is one unit on a peer stream. Exactly one body pointer is set for
// HELLO, REJECT and MESSAGE; the other kinds have no body.
type Frame struct {
	Kind    Kind
	Hello   *Hello
	Reject  *Reject
	Message *Message
}

// NewHelloFrame wraps h.
func NewHelloFrame(h *Hello) *Frame { return &Frame{Kind: KindHello, Hello: h} }

// NewRejectFrame builds a REJECT.
func NewRejectFrame(code RejectCode, reason string) *Frame {
	return &Frame{Kind: KindReject, Reject: &Reject{Code: code, Reason: reason}}
}

// NewMessageFrame wraps m.
func NewMessageFrame(m *Message) *Frame { return &Frame{Kind: KindMessage, Message: m} }

// NewControlFrame builds a body-less frame (ACCEPT, PING, PONG, BYE).
func NewControlFrame(k Kind) *Frame { return &Frame{Kind: k} }

// Field numbers.
const (
	frameKind    protowire.Number = 1
	frameHello   protowire.Number = 2
	frameReject  protowire.Number = 3
	frameMessage protowire.Number = 4

	helloVersion  protowire.Number = 1
	helloGroup    protowire.Number = 2
	helloName     protowire.Number = 3
	helloInstance protowire.Number = 4
	helloFlags    protowire.Number = 5
	helloKeyCheck protowire.Number = 6
	helloMetadata protowire.Number = 7

	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2

	rejectCode   protowire.Number = 1
	rejectReason protowire.Number = 2

	messageType        protowire.Number = 1
	messageSenderGroup protowire.Number = 2
	messageSenderName  protowire.Number = 3
	messagePayload     protowire.Number = 4
)

// AppendBinary appends the encoded frame body to b.
func (f *Frame) AppendBinary(b []byte) ([]byte, error) {
	b = appendVarint(b, frameKind, uint64(f.Kind))
	switch f.Kind {
	case KindHello:
		if f.Hello == nil {
			return nil, fmt.Errorf("HELLO frame without body")
		}
		b = appendNested(b, frameHello, f.Hello.appendTo)
	case KindReject:
		if f.Reject == nil {
			return nil, fmt.Errorf("REJECT frame without body")
		}
		b = appendNested(b, frameReject, f.Reject.appendTo)
	case KindMessage:
		if f.Message == nil {
			return nil, fmt.Errorf("MESSAGE frame without body")
		}
		b = appendNested(b, frameMessage, f.Message.appendTo)
	case KindAccept, KindPing, KindPong, KindBye:
	default:
		return nil, fmt.Errorf("unknown frame kind %d", f.Kind)
	}
	return b, nil
}

// MarshalBinary encodes the frame body without a length prefix.
func (f *Frame) MarshalBinary() ([]byte, error) {
	return f.AppendBinary(nil)
}

// UnmarshalBinary decodes a frame body. Strings and payloads are copied,
// so data may be reused afterwards.
func (f *Frame) UnmarshalBinary(data []byte) error {
	var out Frame
	var kind uint32
	err := decodeFields(data, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case frameKind:
			return consumeUint32(num, typ, v, &kind)
		case frameHello:
			out.Hello = &Hello{}
			return consumeNested(num, typ, v, out.Hello.decode)
		case frameReject:
			out.Reject = &Reject{}
			return consumeNested(num, typ, v, out.Reject.decode)
		case frameMessage:
			out.Message = &Message{}
			return consumeNested(num, typ, v, out.Message.decode)
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	out.Kind = Kind(kind)

	switch out.Kind {
	case KindHello:
		if out.Hello == nil {
			return malformed("HELLO without body")
		}
		if err := out.Hello.Identity().Validate(); err != nil {
			return malformed("HELLO identity: %v", err)
		}
		if out.Hello.Instance == "" {
			return malformed("HELLO without instance")
		}
	case KindReject:
		if out.Reject == nil {
			out.Reject = &Reject{}
		}
	case KindMessage:
		if out.Message == nil {
			return malformed("MESSAGE without body")
		}
		if err := identity.ValidateMessageType(out.Message.Type); err != nil {
			return malformed("MESSAGE: %v", err)
		}
		if err := out.Message.Sender().Validate(); err != nil {
			return malformed("MESSAGE sender: %v", err)
		}
	case KindAccept, KindPing, KindPong, KindBye:
	default:
		return malformed("unknown frame kind %d", kind)
	}

	*f = out
	return nil
}

func consumeNested(num protowire.Number, typ protowire.Type, b []byte, fn func([]byte) error) (int, error) {
	if typ != protowire.BytesType {
		return 0, malformed("field %d: wire type %d, want bytes", num, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	return n, fn(v)
}

func (h *Hello) appendTo(b []byte) []byte {
	b = appendVarint(b, helloVersion, uint64(h.Version.Pack()))
	b = appendString(b, helloGroup, h.Group)
	b = appendString(b, helloName, h.Name)
	b = appendString(b, helloInstance, h.Instance)
	b = appendVarint(b, helloFlags, uint64(h.Flags))
	b = appendBytes(b, helloKeyCheck, h.KeyCheck)
	for _, k := range slices.Sorted(maps.Keys(h.Metadata)) {
		v := h.Metadata[k]
		b = appendNested(b, helloMetadata, func(e []byte) []byte {
			e = appendString(e, entryKey, k)
			return appendString(e, entryValue, v)
		})
	}
	return b
}

func (h *Hello) decode(data []byte) error {
	var version, flags uint32
	err := decodeFields(data, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case helloVersion:
			return consumeUint32(num, typ, v, &version)
		case helloGroup:
			return consumeString(num, typ, v, &h.Group)
		case helloName:
			return consumeString(num, typ, v, &h.Name)
		case helloInstance:
			return consumeString(num, typ, v, &h.Instance)
		case helloFlags:
			return consumeUint32(num, typ, v, &flags)
		case helloKeyCheck:
			return consumeBytes(num, typ, v, &h.KeyCheck)
		case helloMetadata:
			return consumeNested(num, typ, v, h.decodeEntry)
		}
		return 0, nil
	})
	h.Version = UnpackVersion(version)
	h.Flags = Flags(flags)
	return err
}

func (h *Hello) decodeEntry(data []byte) error {
	var key, value string
	err := decodeFields(data, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case entryKey:
			return consumeString(num, typ, v, &key)
		case entryValue:
			return consumeString(num, typ, v, &value)
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	if h.Metadata == nil {
		h.Metadata = make(map[string]string)
	}
	h.Metadata[key] = value
	return nil
}

func (r *Reject) appendTo(b []byte) []byte {
	b = appendVarint(b, rejectCode, uint64(r.Code))
	return appendString(b, rejectReason, r.Reason)
}

func (r *Reject) decode(data []byte) error {
	var code uint32
	err := decodeFields(data, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case rejectCode:
			return consumeUint32(num, typ, v, &code)
		case rejectReason:
			return consumeString(num, typ, v, &r.Reason)
		}
		return 0, nil
	})
	r.Code = RejectCode(code)
	return err
}

func (m *Message) appendTo(b []byte) []byte {
	b = appendString(b, messageType, m.Type)
	b = appendString(b, messageSenderGroup, m.SenderGroup)
	b = appendString(b, messageSenderName, m.SenderName)
	return appendBytes(b, messagePayload, m.Payload)
}

func (m *Message) decode(data []byte) error {
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case messageType:
			return consumeString(num, typ, v, &m.Type)
		case messageSenderGroup:
			return consumeString(num, typ, v, &m.SenderGroup)
		case messageSenderName:
			return consumeString(num, typ, v, &m.SenderName)
		case messagePayload:
			return consumeBytes(num, typ, v, &m.Payload)
		}
		return 0, nil
	})
}
