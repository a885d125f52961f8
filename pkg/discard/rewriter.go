package discard

// ResumableStreamRewriter hides the gaps left by discarded packets by shifting the
// sequence numbers of the packets that are kept.
type ResumableStreamRewriter struct {
	highestSent uint16
	started     bool
	delta       uint16
}

// Rewrite returns the sequence number to send for seq. Discarded packets (accept false)
// keep their number and only move the delta.
func (r *ResumableStreamRewriter) Rewrite(accept bool, seq uint16) uint16 {
	if accept {
		newSeq := seq - r.delta
		if !r.started || isNewer(newSeq, r.highestSent) {
			r.highestSent = newSeq
			r.started = true
		}
		return newSeq
	}

	if r.started {
		if newDelta := seq - r.highestSent; isNewer(newDelta, r.delta) {
			r.delta = newDelta
		}
	}
	return seq
}

// HighestSent is the highest rewritten sequence number, ok is false until a packet was accepted.
func (r *ResumableStreamRewriter) HighestSent() (uint16, bool) {
	return r.highestSent, r.started
}

func isNewer(a, b uint16) bool {
	return a != b && a-b < 0x8000
}
