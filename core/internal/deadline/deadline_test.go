package deadline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/apernet/quicmux/core/engine"
	"github.com/apernet/quicmux/core/internal/conntable"
	"github.com/apernet/quicmux/core/internal/utils_test"
)

func TestComputeEmpty(t *testing.T) {
	_, ok := Compute(nil)
	assert.False(t, ok)

	// Handles without timers do not produce a deadline either
	_, ok = Compute([]engine.Handle{&utils_test.MockHandle{}})
	assert.False(t, ok)
}

func TestComputeMin(t *testing.T) {
	base := time.Unix(1000, 0)
	tb := conntable.New(0)
	hs := []*utils_test.MockHandle{
		{IDValue: engine.ConnectionID{1}, Timeout: base.Add(30 * time.Millisecond)},
		{IDValue: engine.ConnectionID{2}, Timeout: base.Add(10 * time.Millisecond)},
		{IDValue: engine.ConnectionID{3}},
		{IDValue: engine.ConnectionID{4}, Timeout: base.Add(20 * time.Millisecond)},
	}
	for _, h := range hs {
		tb.Insert(h)
	}

	d, ok := Compute(tb.Handles())
	assert.True(t, ok)
	assert.Equal(t, base.Add(10*time.Millisecond), d)

	// Removing the minimum yields the next one
	tb.Remove(hs[1])
	d, ok = Compute(tb.Handles())
	assert.True(t, ok)
	assert.Equal(t, base.Add(20*time.Millisecond), d)

	tb.Remove(hs[3])
	tb.Remove(hs[0])
	_, ok = Compute(tb.Handles())
	assert.False(t, ok)
}

func TestUntil(t *testing.T) {
	now := time.Unix(1000, 0)
	assert.Equal(t, 5*time.Millisecond, Until(now.Add(5*time.Millisecond), now))
	assert.Equal(t, time.Duration(0), Until(now, now))
	assert.Equal(t, time.Duration(0), Until(now.Add(-time.Second), now))
}

func TestDue(t *testing.T) {
	now := time.Unix(1000, 0)
	past := &utils_test.MockHandle{Timeout: now.Add(-time.Millisecond)}
	exact := &utils_test.MockHandle{Timeout: now}
	future := &utils_test.MockHandle{Timeout: now.Add(time.Millisecond)}
	none := &utils_test.MockHandle{}
	due := Due([]engine.Handle{past, future, none, exact}, now, nil)
	assert.Equal(t, []engine.Handle{past, exact}, due)
}
