// Package cobs implements Consistent Overhead Byte Stuffing with 0x00 delimiter.
// Encoder omits the trailing code byte when input ends exactly on a full 254 byte block.
// Decoder accepts both variants.
package cobs

import (
	"github.com/juju/errors"
)

const Delimiter byte = 0x00

var (
	ErrZero      = errors.New("cobs: unexpected zero byte")
	ErrTruncated = errors.New("cobs: block runs past end of input")
)

// MaxEncodedLen is worst case stuffed length, without delimiter.
func MaxEncodedLen(n int) int { return n + n/254 + 1 }

// Encode appends stuffed src to dst. Result never contains Delimiter.
func Encode(dst, src []byte) []byte {
	codeIdx := len(dst)
	dst = append(dst, 0)
	code := byte(1)
	for i, b := range src {
		if b == Delimiter {
			dst[codeIdx] = code
			codeIdx = len(dst)
			dst = append(dst, 0)
			code = 1
			continue
		}
		dst = append(dst, b)
		code++
		if code == 0xff {
			dst[codeIdx] = code
			if i+1 == len(src) {
				return dst
			}
			codeIdx = len(dst)
			dst = append(dst, 0)
			code = 1
		}
	}
	dst[codeIdx] = code
	return dst
}

// Decode appends unstuffed src to dst. src must not include the delimiter.
func Decode(dst, src []byte) ([]byte, error) {
	if dst == nil {
		dst = make([]byte, 0, len(src))
	}
	for i := 0; i < len(src); {
		code := src[i]
		if code == Delimiter {
			return dst, errors.Annotatef(ErrZero, "offset=%d", i)
		}
		i++
		end := i + int(code) - 1
		if end > len(src) {
			return dst, errors.Annotatef(ErrTruncated, "offset=%d code=%02x length=%d", i-1, code, len(src))
		}
		for ; i < end; i++ {
			if src[i] == Delimiter {
				return dst, errors.Annotatef(ErrZero, "offset=%d", i)
			}
			dst = append(dst, src[i])
		}
		if code != 0xff && i < len(src) {
			dst = append(dst, 0)
		}
	}
	return dst, nil
}
