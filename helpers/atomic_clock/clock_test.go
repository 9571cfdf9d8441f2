package atomic_clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestZero(t *testing.T) {
	t.Parallel()
	var c Clock
	assert.True(t, c.IsZero())
	assert.Equal(t, time.Duration(0), Since(&c))
	c.SetNowIfZero()
	assert.False(t, c.IsZero())
	first := c.UnixNano()
	c.SetNowIfZero()
	assert.Equal(t, first, c.UnixNano())
}

func TestSetSub(t *testing.T) {
	t.Parallel()
	base := time.Unix(1700000000, 123000000)
	a, b := New(0), New(0)
	a.SetTime(base)
	b.SetTime(base.Add(1500 * time.Millisecond))
	assert.Equal(t, base.UnixNano(), a.UnixNano())
	assert.Equal(t, int64(1700000000), a.Unix())
	assert.True(t, base.Equal(a.Time()))
	assert.Equal(t, 1500*time.Millisecond, b.Sub(a))
	assert.Equal(t, -1500*time.Millisecond, a.Sub(b))

	c := Now()
	assert.InDelta(t, time.Now().UnixNano(), c.UnixNano(), float64(100*time.Millisecond))
	assert.True(t, Since(c) < 100*time.Millisecond)
}

func TestConcurrentSetNow(t *testing.T) {
	t.Parallel()
	var c Clock
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.SetNow()
				_ = Since(&c)
			}
		}()
	}
	wg.Wait()
	assert.False(t, c.IsZero())
}
