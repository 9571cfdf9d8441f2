package ingest

// Window size in sequence numbers, one bit each.
const Window = 64

// window remembers accepted sequences [high-63, high].
// Bit i of seen means high-i was accepted.
type window struct {
	init bool
	high uint32
	seen uint64
}

type verdict struct {
	accept  bool
	gap     uint32 // sequences skipped by this jump forward
	late    bool   // filled earlier gap
	restart bool
}

// restartDistance > 0 treats a sequence that far behind as device counter reset.
func (w *window) check(seq uint32, restartDistance uint32) verdict {
	if !w.init {
		w.init, w.high, w.seen = true, seq, 1
		return verdict{accept: true}
	}
	if seqGreater(seq, w.high) {
		d := seq - w.high
		if d >= Window {
			w.seen = 1
		} else {
			w.seen = w.seen<<d | 1
		}
		w.high = seq
		return verdict{accept: true, gap: d - 1}
	}
	d := w.high - seq
	if d >= Window {
		if restartDistance != 0 && d >= restartDistance {
			w.high, w.seen = seq, 1
			return verdict{accept: true, restart: true}
		}
		return verdict{}
	}
	bit := uint64(1) << d
	if w.seen&bit != 0 {
		return verdict{}
	}
	w.seen |= bit
	return verdict{accept: true, late: true}
}

// serial number arithmetic, RFC 1982
func seqGreater(a, b uint32) bool { return int32(a-b) > 0 }
