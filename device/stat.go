package device

// Values are read and modified atomically, but not consistently.

import (
	"expvar"
	"fmt"
)

type Stat struct {
	Connects       expvar.Int
	Disconnects    expvar.Int
	OpenFailures   expvar.Int
	BytesIn        expvar.Int
	BytesOut       expvar.Int
	FramesIn       expvar.Int
	FramesOut      expvar.Int
	Corrupt        expvar.Int // all frame errors below
	ChecksumErrors expvar.Int
	Malformed      expvar.Int
	Resync         expvar.Int // oversized, skipped to next delimiter
	MessageErrors  expvar.Int
	Unrouted       expvar.Int
	Telemetry      expvar.Int
	Events         expvar.Int
	Duplicates     expvar.Int
	Acks           expvar.Int
	Degraded       expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"connects":%d,"disconnects":%d,"open_failures":%d,"bytes_in":%d,"bytes_out":%d,"frames_in":%d,"frames_out":%d,"corrupt":%d,"checksum":%d,"malformed":%d,"resync":%d,"message_errors":%d,"unrouted":%d,"telemetry":%d,"events":%d,"duplicates":%d,"acks":%d,"degraded":%d}`,
		s.Connects.Value(), s.Disconnects.Value(), s.OpenFailures.Value(),
		s.BytesIn.Value(), s.BytesOut.Value(), s.FramesIn.Value(), s.FramesOut.Value(),
		s.Corrupt.Value(), s.ChecksumErrors.Value(), s.Malformed.Value(), s.Resync.Value(),
		s.MessageErrors.Value(), s.Unrouted.Value(),
		s.Telemetry.Value(), s.Events.Value(), s.Duplicates.Value(), s.Acks.Value(), s.Degraded.Value())
}
