// Package deadline computes how long an event loop may block.
package deadline

import (
	"time"

	"github.com/apernet/quicmux/core/engine"
)

// Compute returns the earliest first-timeout among hs.
// ok is false when hs is empty or no handle has a pending timer.
func Compute(hs []engine.Handle) (deadline time.Time, ok bool) {
	for _, h := range hs {
		t := h.FirstTimeout()
		if t.IsZero() {
			continue
		}
		if !ok || t.Before(deadline) {
			deadline, ok = t, true
		}
	}
	return deadline, ok
}

// Until returns the time left before deadline, never negative.
func Until(deadline, now time.Time) time.Duration {
	if d := deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Due returns the handles whose first-timeout is at or before now.
// The result reuses buf.
func Due(hs []engine.Handle, now time.Time, buf []engine.Handle) []engine.Handle {
	buf = buf[:0]
	for _, h := range hs {
		if t := h.FirstTimeout(); !t.IsZero() && !t.After(now) {
			buf = append(buf, h)
		}
	}
	return buf
}
