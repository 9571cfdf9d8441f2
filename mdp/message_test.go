package mdp

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/mdp/helpers"
)

var testTime = time.UnixMilli(1700000000123)

func TestMessageVectors(t *testing.T) {
	t.Parallel()

	type Case struct {
		name   string
		msg    Message
		expect string
		str    string
	}
	cases := []Case{
		{"telemetry", NewTelemetry("D1", 5, testTime, Field{"temp", Float(21.5)}, Field{"led", Bool(true)}),
			"0101024431000000050000018bcfe5687b020474656d700141ac0000036c65640301",
			"telemetry device=D1 seq=5 temp=21.5,led=true"},
		{"command", Message{Type: TypeCommand, DeviceID: "D1", Seq: 7, Time: testTime, Command: LedSet(255, 0, 0)},
			"0102024431000000070000018bcfe5687b001003ff0000",
			"command device=D1 seq=7 led_set(r=255,g=0,b=0)"},
		{"ack", Message{Type: TypeAck, DeviceID: "D1", Seq: 9, Time: testTime, Ack: Ack{Seq: 7, Status: AckOK}},
			"0104024431000000090000018bcfe5687b0000000700",
			"ack device=D1 seq=9 ack_seq=7 status=ok"},
		{"event", NewEvent("D1", 6, testTime, 0x0101, Field{"bat", Int(-1)}),
			"0103024431000000060000018bcfe5687b0101010362617402ffffffff",
			"event device=D1 seq=6 code=0101 bat=-1"},
	}
	helpers.RandUnix().Shuffle(len(cases), func(i, j int) { cases[i], cases[j] = cases[j], cases[i] })
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			b, err := c.msg.Encode()
			require.NoError(t, err)
			assert.Equal(t, c.expect, hex.EncodeToString(b))
			assert.Equal(t, c.str, c.msg.String())

			m, err := ParseMessage(b)
			require.NoError(t, err)
			assert.Equal(t, c.msg.Type, m.Type)
			assert.Equal(t, c.msg.DeviceID, m.DeviceID)
			assert.Equal(t, c.msg.Seq, m.Seq)
			assert.True(t, c.msg.Time.Equal(m.Time))
			assert.Equal(t, c.msg.Fields, m.Fields)
			assert.Equal(t, c.msg.EventCode, m.EventCode)
			assert.Equal(t, c.msg.Ack, m.Ack)
			assert.Equal(t, c.msg.Command.Opcode, m.Command.Opcode)
			assert.Equal(t, hex.EncodeToString(c.msg.Command.Params), hex.EncodeToString(m.Command.Params))
		})
	}
}

func TestMessageFrame(t *testing.T) {
	t.Parallel()
	m := NewTelemetry("D1", 5, testTime, Field{"temp", Float(21.5)}, Field{"led", Bool(true)})
	f, err := m.EncodeFrame()
	require.NoError(t, err)
	assert.Equal(t, "060101024431010102050110018bcfe5687b020474656d700141ac0109036c6564030180cd00", hex.EncodeToString(f))
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	type Case struct {
		name   string
		input  string
		expect error
	}
	cases := []Case{
		{"empty", "", ErrTruncatedBody},
		{"version", "0201024431000000050000018bcfe5687b00", ErrUnsupportedVersion},
		{"type-zero", "0100024431000000050000018bcfe5687b00", ErrUnknownType},
		{"type-high", "0105024431000000050000018bcfe5687b00", ErrUnknownType},
		{"header", "01010244310000", ErrTruncatedBody},
		{"id-past-end", "010109443100000005", ErrTruncatedBody},
		{"telemetry-no-body", "0101024431000000050000018bcfe5687b", ErrTruncatedBody},
		{"telemetry-field-cut", "0101024431000000050000018bcfe5687b010474656d700141ac", ErrTruncatedBody},
		{"telemetry-field-kind", "0101024431000000050000018bcfe5687b010474656d700941ac0000", ErrUnknownType},
		{"ack-short", "0104024431000000090000018bcfe5687b00000007", ErrTruncatedBody},
		{"command-params-cut", "0102024431000000070000018bcfe5687b001003ff00", ErrTruncatedBody},
		{"event-short", "0103024431000000060000018bcfe5687b0101", ErrTruncatedBody},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			_, err := ParseMessage(helpers.MustHex(c.input))
			require.Error(t, err)
			assert.Equal(t, c.expect, errors.Cause(err), err.Error())
			assert.True(t, IsMessageError(err))
		})
	}
}

func TestParseTrailingBytesIgnored(t *testing.T) {
	t.Parallel()
	b := helpers.MustHex("0104024431000000090000018bcfe5687b0000000700" + "deadbeef")
	m, err := ParseMessage(b)
	require.NoError(t, err)
	assert.Equal(t, Ack{Seq: 7, Status: AckOK}, m.Ack)
}

func TestParseDoesNotAlias(t *testing.T) {
	t.Parallel()
	b := helpers.MustHex("0102024431000000070000018bcfe5687b001003ff0000")
	m, err := ParseMessage(b)
	require.NoError(t, err)
	b[len(b)-3] = 0x11
	assert.Equal(t, []byte{0xff, 0, 0}, m.Command.Params)
}

func TestEncodeInvalid(t *testing.T) {
	t.Parallel()
	m := Message{Type: Type(9), DeviceID: "D1"}
	_, err := m.Encode()
	assert.Equal(t, ErrUnknownType, errors.Cause(err))

	m = Message{Type: TypeAck, DeviceID: string(make([]byte, MaxDeviceIDLength+1))}
	_, err = m.Encode()
	assert.True(t, errors.IsNotValid(err))

	m = Message{Type: TypeTelemetry, DeviceID: "D1", Fields: Fields{{"x", Value{Kind: 7}}}}
	_, err = m.Encode()
	assert.True(t, errors.IsNotValid(errors.Cause(err)))
}

func TestValidateDeviceID(t *testing.T) {
	t.Parallel()
	assert.NoError(t, ValidateDeviceID("D1"))
	assert.True(t, errors.IsNotValid(ValidateDeviceID("")))
	assert.True(t, errors.IsNotValid(ValidateDeviceID(string(make([]byte, MaxDeviceIDLength+1)))))
}

func TestValue(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 1.0, Bool(true).Float64())
	assert.Equal(t, 0.0, Bool(false).Float64())
	assert.Equal(t, -3.0, Int(-3).Float64())
	assert.Equal(t, 0.25, Float(0.25).Float64())
	fs := Fields{{"a", Int(1)}, {"b", Float(2)}}
	v, ok := fs.Get("b")
	assert.True(t, ok)
	assert.Equal(t, float32(2), v.Float())
	_, ok = fs.Get("c")
	assert.False(t, ok)
}
