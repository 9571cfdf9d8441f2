package mdp

import (
	"github.com/juju/errors"
)

// Frame level. Receiver recovers by resync, never fatal.
var (
	ErrChecksumMismatch = errors.New("frame checksum mismatch")
	ErrMalformed        = errors.New("frame malformed")
	ErrOversized        = errors.New("frame oversized")
)

// Message level. Frame was valid, content is not, message is dropped.
var (
	ErrUnknownType        = errors.New("message unknown type")
	ErrTruncatedBody      = errors.New("message truncated")
	ErrUnsupportedVersion = errors.New("message unsupported version")
)

func IsFrameError(err error) bool {
	switch errors.Cause(err) {
	case ErrChecksumMismatch, ErrMalformed, ErrOversized:
		return true
	}
	return false
}

func IsMessageError(err error) bool {
	switch errors.Cause(err) {
	case ErrUnknownType, ErrTruncatedBody, ErrUnsupportedVersion:
		return true
	}
	return false
}
