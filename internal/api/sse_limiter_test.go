package api_test

import (
	"sync"
	"testing"
	"time"

	"github.com/rat-data/agentd/internal/api"
	"github.com/stretchr/testify/assert"
)

func TestSSELimiter_Acquire_SingleIP_RespectsPerIPLimit(t *testing.T) {
	limiter := api.NewSSELimiter()

	for i := 0; i < api.MaxSSEPerIP; i++ {
		assert.True(t, limiter.Acquire("10.0.0.1"), "acquire %d should succeed", i)
	}

	assert.False(t, limiter.Acquire("10.0.0.1"), "acquire beyond per-IP limit should fail")
	assert.True(t, limiter.Acquire("10.0.0.2"), "different IP should succeed")

	for i := 0; i < api.MaxSSEPerIP; i++ {
		limiter.Release("10.0.0.1")
	}
	limiter.Release("10.0.0.2")
}

func TestSSELimiter_Acquire_GlobalLimit(t *testing.T) {
	limiter := api.NewSSELimiter()

	for i := 0; i < api.MaxSSEGlobal; i++ {
		ip := itoa(i)
		assert.True(t, limiter.Acquire(ip), "acquire %d should succeed", i)
	}

	assert.False(t, limiter.Acquire("99.99.99.99"), "acquire beyond global limit should fail")

	limiter.Release(itoa(0))
	assert.True(t, limiter.Acquire("99.99.99.99"), "acquire after release should succeed")

	for i := 1; i < api.MaxSSEGlobal; i++ {
		limiter.Release(itoa(i))
	}
	limiter.Release("99.99.99.99")
}

func TestSSELimiter_Release_DecrementsCounters(t *testing.T) {
	limiter := api.NewSSELimiter()

	limiter.Acquire("10.0.0.1")
	limiter.Acquire("10.0.0.1")
	assert.Equal(t, int64(2), limiter.IPCount("10.0.0.1"))
	assert.Equal(t, int64(2), limiter.GlobalCount())

	limiter.Release("10.0.0.1")
	assert.Equal(t, int64(1), limiter.IPCount("10.0.0.1"))
	assert.Equal(t, int64(1), limiter.GlobalCount())

	limiter.Release("10.0.0.1")
	assert.Equal(t, int64(0), limiter.IPCount("10.0.0.1"))
	assert.Equal(t, int64(0), limiter.GlobalCount())
}

func TestSSELimiter_ConcurrentAccess(t *testing.T) {
	limiter := api.NewSSELimiter()

	var wg sync.WaitGroup
	successes := int64(0)
	var mu sync.Mutex

	for i := 0; i < api.MaxSSEPerIP+5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Acquire("10.0.0.1") {
				mu.Lock()
				successes++
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				limiter.Release("10.0.0.1")
			}
		}()
	}

	wg.Wait()

	assert.LessOrEqual(t, successes, int64(api.MaxSSEPerIP)+5, "total successes should be bounded")
	assert.Equal(t, int64(0), limiter.GlobalCount(), "all connections should be released")
}

func itoa(n int) string {
	if n == 0 {
		return "ip-0"
	}
	s := ""
	for n > 0 {
		s = string(rune('0'+n%10)) + s
		n /= 10
	}
	return "ip-" + s
}
