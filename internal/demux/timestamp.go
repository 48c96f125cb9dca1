package demux

// MPEG-TS timestamps are 33-bit counts of a 90 kHz clock.
const (
	tsWrap     int64 = 1 << 33
	tsHalfWrap       = tsWrap / 2
)

// ptsUnwrapper extends wrapping timestamps into a monotonic 64-bit
// timeline. One is kept per stream.
type ptsUnwrapper struct {
	wrap      int64
	half      int64
	last      int64
	wrapCount int64
	started   bool
}

func newPTSUnwrapper(wrap int64) *ptsUnwrapper {
	return &ptsUnwrapper{wrap: wrap, half: wrap / 2}
}

// unwrap maps raw onto the extended timeline. A backward jump of more than
// half the range counts as a wrap; a forward jump of more than half the
// range is a value from before the last wrap arriving late.
func (u *ptsUnwrapper) unwrap(raw int64) int64 {
	raw &= u.wrap - 1
	if !u.started {
		u.started = true
		u.last = raw
		return raw
	}

	switch diff := raw - u.last; {
	case diff < -u.half:
		u.wrapCount++
		u.last = raw
	case diff > u.half:
		return raw + (u.wrapCount-1)*u.wrap
	default:
		u.last = raw
	}
	return raw + u.wrapCount*u.wrap
}

// tsDelta returns cur - prev accounting for at most one wrap in between.
func tsDelta(cur, prev int64) int64 {
	d := (cur - prev) & (tsWrap - 1)
	if d > tsHalfWrap {
		d -= tsWrap
	}
	return d
}
