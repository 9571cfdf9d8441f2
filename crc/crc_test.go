package crc

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/temoto/mdp/helpers"
)

func makeCheck1(fun func(uint16, byte) uint16, tag string) func(t *testing.T, v1 uint16, v2 byte, expect uint16) {
	return func(t *testing.T, v1 uint16, v2 byte, expect uint16) {
		if fun(v1, v2) != expect {
			t.Errorf("%s(%04x, %02x) != %04x", tag, v1, v2, expect)
		}
	}
}

func makeCheckN(fun func(uint16, []byte) uint16, tag string) func(t *testing.T, v1 uint16, vs []byte, expect uint16) {
	return func(t *testing.T, v1 uint16, vs []byte, expect uint16) {
		if fun(v1, vs) != expect {
			t.Errorf("%s(%04x, "+strings.Repeat("%02x", len(vs))+") != %04x", tag, v1, vs, expect)
		}
	}
}

func TestReference(t *testing.T) {
	t.Parallel()
	checkRef := makeCheck1(CRC16_ccitt_reference, "CRC16_ccitt_reference")
	checkRef(t, 0, 0x00, 0x0000)
	checkRef(t, 0, 0x01, 0x1021)
	checkRef(t, 0, 0x80, 0x9188)
	checkRef(t, 0, 0xff, 0x1ef0)
	checkRef(t, 0xffff, 0x00, 0xe1f0)
}

func TestLookup(t *testing.T) {
	t.Parallel()
	checkNext := makeCheck1(CRC16_ccitt_next, "CRC16_ccitt_next")
	checkNext(t, 0, 0x01, 0x1021)
	checkNext(t, 0, 0xff, 0x1ef0)
	checkNext(t, 0xffff, 0x00, 0xe1f0)
	checkN := makeCheckN(CRC16_ccitt_n, "CRC16_ccitt_n")
	checkN(t, CCITT_INIT, []byte("123456789"), 0x29b1)
	checkN(t, CCITT_INIT, []byte{}, 0xffff)
	checkN(t, CCITT_INIT, []byte("A"), 0xb915)
}

func TestChecksum16MatchesReference(t *testing.T) {
	t.Parallel()
	rnd := helpers.RandUnix()
	for i := 0; i < 200; i++ {
		b := make([]byte, rnd.Intn(300))
		rnd.Read(b)
		expect := CCITT_INIT
		for _, x := range b {
			expect = CRC16_ccitt_reference(expect, x)
		}
		assert.Equal(t, expect, Checksum16(b), fmt.Sprintf("input=%x", b))
	}
}
