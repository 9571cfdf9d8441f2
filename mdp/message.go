package mdp

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/juju/errors"
)

//	version:1 type:1 idlen:1 id:idlen seq:4 time_ms:8 body
//
// All integers big-endian.
const Version = 1

const MaxDeviceIDLength = 64

const headerFixedLength = 1 + 1 + 1 + 4 + 8

type Type byte

const (
	TypeTelemetry Type = 0x01
	TypeCommand   Type = 0x02
	TypeEvent     Type = 0x03
	TypeAck       Type = 0x04
)

func (t Type) Valid() bool { return t >= TypeTelemetry && t <= TypeAck }

func (t Type) String() string {
	switch t {
	case TypeTelemetry:
		return "telemetry"
	case TypeCommand:
		return "command"
	case TypeEvent:
		return "event"
	case TypeAck:
		return "ack"
	}
	return fmt.Sprintf("type(%02x)", byte(t))
}

// minimum body length per type
func (t Type) minBody() int {
	switch t {
	case TypeTelemetry:
		return 1
	case TypeCommand:
		return 3
	case TypeEvent:
		return 3
	case TypeAck:
		return 5
	}
	return 0
}

type Command struct {
	Opcode uint16
	Params []byte
}

const (
	OpPing   uint16 = 0x0001
	OpLedSet uint16 = 0x0010
)

func Ping() Command                { return Command{Opcode: OpPing} }
func LedSet(r, g, b uint8) Command { return Command{Opcode: OpLedSet, Params: []byte{r, g, b}} }

func (c Command) String() string {
	switch c.Opcode {
	case OpPing:
		return "ping"
	case OpLedSet:
		if len(c.Params) == 3 {
			return fmt.Sprintf("led_set(r=%d,g=%d,b=%d)", c.Params[0], c.Params[1], c.Params[2])
		}
	}
	return fmt.Sprintf("op=%04x(%x)", c.Opcode, c.Params)
}

type AckStatus uint8

const (
	AckOK          AckStatus = 0
	AckBusy        AckStatus = 1
	AckRejected    AckStatus = 2
	AckUnsupported AckStatus = 3
)

func (s AckStatus) String() string {
	switch s {
	case AckOK:
		return "ok"
	case AckBusy:
		return "busy"
	case AckRejected:
		return "rejected"
	case AckUnsupported:
		return "unsupported"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

type Ack struct {
	Seq    uint32
	Status AckStatus
}

// Message is a value. Encode/Parse never share memory with callers.
type Message struct {
	Type     Type
	DeviceID string
	Seq      uint32
	Time     time.Time // millisecond precision on the wire

	Fields    Fields  // Telemetry, Event
	EventCode uint16  // Event
	Command   Command // Command
	Ack       Ack     // Ack
}

func NewCommand(deviceID string, seq uint32, c Command) Message {
	params := append([]byte(nil), c.Params...)
	return Message{
		Type:     TypeCommand,
		DeviceID: deviceID,
		Seq:      seq,
		Time:     time.Now(),
		Command:  Command{Opcode: c.Opcode, Params: params},
	}
}

func NewAck(deviceID string, seq uint32, ackSeq uint32, status AckStatus) Message {
	return Message{
		Type:     TypeAck,
		DeviceID: deviceID,
		Seq:      seq,
		Time:     time.Now(),
		Ack:      Ack{Seq: ackSeq, Status: status},
	}
}

func NewTelemetry(deviceID string, seq uint32, t time.Time, fields ...Field) Message {
	return Message{
		Type:     TypeTelemetry,
		DeviceID: deviceID,
		Seq:      seq,
		Time:     t,
		Fields:   append(Fields(nil), fields...),
	}
}

func NewEvent(deviceID string, seq uint32, t time.Time, code uint16, fields ...Field) Message {
	return Message{
		Type:      TypeEvent,
		DeviceID:  deviceID,
		Seq:       seq,
		Time:      t,
		EventCode: code,
		Fields:    append(Fields(nil), fields...),
	}
}

// ValidateDeviceID checks id fits wire header. Empty id is allowed on wire
// but not as registry key.
func ValidateDeviceID(id string) error {
	if id == "" {
		return errors.NotValidf("device id empty")
	}
	if len(id) > MaxDeviceIDLength {
		return errors.NotValidf("device id length=%d max=%d", len(id), MaxDeviceIDLength)
	}
	return nil
}

func (m *Message) Encode() ([]byte, error) {
	if !m.Type.Valid() {
		return nil, errors.Annotatef(ErrUnknownType, "encode type=%02x", byte(m.Type))
	}
	if len(m.DeviceID) > MaxDeviceIDLength {
		return nil, errors.NotValidf("device id length=%d max=%d", len(m.DeviceID), MaxDeviceIDLength)
	}
	b := make([]byte, 0, headerFixedLength+len(m.DeviceID)+32)
	b = append(b, Version, byte(m.Type), byte(len(m.DeviceID)))
	b = append(b, m.DeviceID...)
	b = binary.BigEndian.AppendUint32(b, m.Seq)
	b = binary.BigEndian.AppendUint64(b, uint64(timeToWire(m.Time)))

	var err error
	switch m.Type {
	case TypeTelemetry:
		b, err = m.Fields.append(b)
	case TypeEvent:
		b = binary.BigEndian.AppendUint16(b, m.EventCode)
		b, err = m.Fields.append(b)
	case TypeCommand:
		if len(m.Command.Params) > math.MaxUint8 {
			return nil, errors.NotValidf("command params length=%d max=%d", len(m.Command.Params), math.MaxUint8)
		}
		b = binary.BigEndian.AppendUint16(b, m.Command.Opcode)
		b = append(b, byte(len(m.Command.Params)))
		b = append(b, m.Command.Params...)
	case TypeAck:
		b = binary.BigEndian.AppendUint32(b, m.Ack.Seq)
		b = append(b, byte(m.Ack.Status))
	}
	if err != nil {
		return nil, errors.Annotatef(err, "encode %s", m.Type.String())
	}
	return b, nil
}

// EncodeFrame returns message ready to write to transport.
func (m *Message) EncodeFrame() ([]byte, error) {
	b, err := m.Encode()
	if err != nil {
		return nil, err
	}
	return Encode(b)
}

// Overwrites message state.
// Bytes after complete body are ignored for forward compatibility.
func (m *Message) Parse(b []byte) error {
	*m = Message{}
	if len(b) < 3 {
		return errors.Annotatef(ErrTruncatedBody, "header length=%d", len(b))
	}
	if b[0] != Version {
		return errors.Annotatef(ErrUnsupportedVersion, "version=%d", b[0])
	}
	t := Type(b[1])
	if !t.Valid() {
		return errors.Annotatef(ErrUnknownType, "type=%02x", b[1])
	}
	idlen := int(b[2])
	if idlen > MaxDeviceIDLength {
		return errors.NotValidf("device id length=%d max=%d", idlen, MaxDeviceIDLength)
	}
	if len(b) < headerFixedLength+idlen {
		return errors.Annotatef(ErrTruncatedBody, "header length=%d expected=%d", len(b), headerFixedLength+idlen)
	}
	m.Type = t
	m.DeviceID = string(b[3 : 3+idlen])
	rest := b[3+idlen:]
	m.Seq = binary.BigEndian.Uint32(rest)
	m.Time = timeFromWire(int64(binary.BigEndian.Uint64(rest[4:])))
	body := rest[12:]
	if len(body) < t.minBody() {
		return errors.Annotatef(ErrTruncatedBody, "%s body length=%d min=%d", t.String(), len(body), t.minBody())
	}

	var err error
	switch t {
	case TypeTelemetry:
		m.Fields, err = parseFields(body)
	case TypeEvent:
		m.EventCode = binary.BigEndian.Uint16(body)
		m.Fields, err = parseFields(body[2:])
	case TypeCommand:
		m.Command.Opcode = binary.BigEndian.Uint16(body)
		plen := int(body[2])
		if len(body) < 3+plen {
			return errors.Annotatef(ErrTruncatedBody, "command params length=%d available=%d", plen, len(body)-3)
		}
		m.Command.Params = append([]byte(nil), body[3:3+plen]...)
	case TypeAck:
		m.Ack.Seq = binary.BigEndian.Uint32(body)
		m.Ack.Status = AckStatus(body[4])
	}
	return err
}

func ParseMessage(b []byte) (Message, error) {
	var m Message
	err := m.Parse(b)
	return m, err
}

func (m *Message) MarshalBinary() ([]byte, error) { return m.Encode() }
func (m *Message) UnmarshalBinary(b []byte) error { return m.Parse(b) }

func (m *Message) String() string {
	var body string
	switch m.Type {
	case TypeTelemetry:
		body = m.Fields.String()
	case TypeEvent:
		body = fmt.Sprintf("code=%04x %s", m.EventCode, m.Fields.String())
	case TypeCommand:
		body = m.Command.String()
	case TypeAck:
		body = fmt.Sprintf("ack_seq=%d status=%s", m.Ack.Seq, m.Ack.Status.String())
	}
	return fmt.Sprintf("%s device=%s seq=%d %s", m.Type.String(), m.DeviceID, m.Seq, body)
}

func timeToWire(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeFromWire(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

type Kind uint8

const (
	KindFloat Kind = 1
	KindInt   Kind = 2
	KindBool  Kind = 3
)

func (k Kind) size() int {
	switch k {
	case KindFloat, KindInt:
		return 4
	case KindBool:
		return 1
	}
	return -1
}

// Value is numeric or boolean observation.
type Value struct {
	Kind Kind
	bits uint32
}

func Float(f float32) Value { return Value{Kind: KindFloat, bits: math.Float32bits(f)} }
func Int(i int32) Value     { return Value{Kind: KindInt, bits: uint32(i)} }
func Bool(b bool) Value {
	v := Value{Kind: KindBool}
	if b {
		v.bits = 1
	}
	return v
}

func (v Value) Float() float32 { return math.Float32frombits(v.bits) }
func (v Value) Int() int32     { return int32(v.bits) }
func (v Value) Bool() bool     { return v.bits != 0 }

// Float64 is numeric view of any kind, bool is 0 or 1.
func (v Value) Float64() float64 {
	switch v.Kind {
	case KindFloat:
		return float64(v.Float())
	case KindInt:
		return float64(v.Int())
	}
	if v.Bool() {
		return 1
	}
	return 0
}

func (v Value) String() string {
	switch v.Kind {
	case KindFloat:
		return fmt.Sprintf("%g", v.Float())
	case KindInt:
		return fmt.Sprintf("%d", v.Int())
	case KindBool:
		return fmt.Sprintf("%t", v.Bool())
	}
	return fmt.Sprintf("kind(%d)", uint8(v.Kind))
}

type Field struct {
	Key   string
	Value Value
}

// Fields preserve wire order. Keys are expected unique, not enforced.
type Fields []Field

func (fs Fields) Get(key string) (Value, bool) {
	for _, f := range fs {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}

func (fs Fields) String() string {
	ss := make([]string, len(fs))
	for i, f := range fs {
		ss[i] = f.Key + "=" + f.Value.String()
	}
	return strings.Join(ss, ",")
}

func (fs Fields) append(b []byte) ([]byte, error) {
	if len(fs) > math.MaxUint8 {
		return nil, errors.NotValidf("fields count=%d max=%d", len(fs), math.MaxUint8)
	}
	b = append(b, byte(len(fs)))
	for _, f := range fs {
		if len(f.Key) > math.MaxUint8 {
			return nil, errors.NotValidf("field key length=%d max=%d", len(f.Key), math.MaxUint8)
		}
		b = append(b, byte(len(f.Key)))
		b = append(b, f.Key...)
		b = append(b, byte(f.Value.Kind))
		switch f.Value.Kind {
		case KindFloat, KindInt:
			b = binary.BigEndian.AppendUint32(b, f.Value.bits)
		case KindBool:
			b = append(b, byte(f.Value.bits))
		default:
			return nil, errors.NotValidf("field=%s kind=%d", f.Key, f.Value.Kind)
		}
	}
	return b, nil
}

func parseFields(b []byte) (Fields, error) {
	if len(b) < 1 {
		return nil, errors.Annotatef(ErrTruncatedBody, "fields count missing")
	}
	n := int(b[0])
	b = b[1:]
	fs := make(Fields, 0, n)
	for i := 0; i < n; i++ {
		if len(b) < 1 {
			return nil, errors.Annotatef(ErrTruncatedBody, "field #%d key length missing", i)
		}
		klen := int(b[0])
		if len(b) < 1+klen+1 {
			return nil, errors.Annotatef(ErrTruncatedBody, "field #%d key length=%d available=%d", i, klen, len(b)-1)
		}
		key := string(b[1 : 1+klen])
		kind := Kind(b[1+klen])
		b = b[2+klen:]
		size := kind.size()
		if size < 0 {
			return nil, errors.Annotatef(ErrUnknownType, "field=%s kind=%d", key, kind)
		}
		if len(b) < size {
			return nil, errors.Annotatef(ErrTruncatedBody, "field=%s value length=%d available=%d", key, size, len(b))
		}
		v := Value{Kind: kind}
		switch kind {
		case KindFloat, KindInt:
			v.bits = binary.BigEndian.Uint32(b)
		case KindBool:
			if b[0] != 0 {
				v.bits = 1
			}
		}
		b = b[size:]
		fs = append(fs, Field{Key: key, Value: v})
	}
	return fs, nil
}
