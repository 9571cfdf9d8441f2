package cobs

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/mdp/helpers"
)

func seq(from, to int) []byte {
	b := make([]byte, 0, to-from+1)
	for i := from; i <= to; i++ {
		b = append(b, byte(i))
	}
	return b
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	type Case struct {
		name   string
		input  []byte
		expect []byte
	}
	cases := []Case{
		{"empty", []byte{}, helpers.MustHex("01")},
		{"zero", helpers.MustHex("00"), helpers.MustHex("0101")},
		{"zero2", helpers.MustHex("0000"), helpers.MustHex("010101")},
		{"mid-zero", helpers.MustHex("11220033"), helpers.MustHex("0311220233")},
		{"no-zero", helpers.MustHex("11223344"), helpers.MustHex("0511223344")},
		{"tail-zeros", helpers.MustHex("11000000"), helpers.MustHex("0211010101")},
		{"block-254", seq(0x01, 0xfe), append([]byte{0xff}, seq(0x01, 0xfe)...)},
		{"zero-block-254", seq(0x00, 0xfe), append([]byte{0x01, 0xff}, seq(0x01, 0xfe)...)},
		{"block-255", seq(0x01, 0xff), append(append([]byte{0xff}, seq(0x01, 0xfe)...), 0x02, 0xff)},
		{"block-254-high", seq(0x02, 0xff), append([]byte{0xff}, seq(0x02, 0xff)...)},
	}
	helpers.RandUnix().Shuffle(len(cases), func(i, j int) { cases[i], cases[j] = cases[j], cases[i] })
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			encoded := Encode(nil, c.input)
			assert.Equal(t, hex.EncodeToString(c.expect), hex.EncodeToString(encoded))
			assert.NotContains(t, string(encoded), string([]byte{Delimiter}))
			decoded, err := Decode(nil, encoded)
			require.NoError(t, err)
			assert.Equal(t, hex.EncodeToString(c.input), hex.EncodeToString(decoded))
		})
	}
}

func TestDecodeTrailingCodeVariant(t *testing.T) {
	t.Parallel()
	// encoders that always close the last block emit extra 01
	input := append(append([]byte{0xff}, seq(0x01, 0xfe)...), 0x01)
	decoded, err := Decode(nil, input)
	require.NoError(t, err)
	assert.Equal(t, seq(0x01, 0xfe), decoded)
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()

	type Case struct {
		input  string
		expect error
	}
	cases := []Case{
		{"00", ErrZero},
		{"0311002233", ErrZero},
		{"05112233", ErrTruncated},
		{"ff", ErrTruncated},
		{"021100", ErrZero},
	}
	for _, c := range cases {
		c := c
		t.Run(c.input, func(t *testing.T) {
			_, err := Decode(nil, helpers.MustHex(c.input))
			require.Error(t, err)
			assert.Equal(t, c.expect, errors.Cause(err))
		})
	}
}

func TestRoundTripRandom(t *testing.T) {
	t.Parallel()
	rnd := helpers.RandUnix()
	for i := 0; i < 500; i++ {
		input := make([]byte, rnd.Intn(1024))
		rnd.Read(input)
		// bias toward zeros
		for j := range input {
			if rnd.Intn(8) == 0 {
				input[j] = 0
			}
		}
		encoded := Encode(nil, input)
		require.LessOrEqual(t, len(encoded), MaxEncodedLen(len(input)))
		require.Equal(t, -1, bytes.IndexByte(encoded, Delimiter))
		decoded, err := Decode(nil, encoded)
		require.NoError(t, err)
		require.Equal(t, input, decoded)
	}
}
