package backoff_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqfleet/mqfleet/pkg/engine/backoff"
)

func TestConstantReturnsFixedDelay(t *testing.T) {
	c := backoff.NewConstant(5 * time.Second)
	for attempt := 1; attempt <= 10; attempt++ {
		assert.Equal(t, 5*time.Second, c.Delay(attempt), "attempt %d", attempt)
	}
}

func TestLinearGrowsAndCaps(t *testing.T) {
	l := backoff.NewLinear(time.Second, 3*time.Second)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 3 * time.Second},
		{7, 3 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, l.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestExponentialDoublesAndCaps(t *testing.T) {
	e := backoff.NewExponential(100*time.Millisecond, time.Second)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{9, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestJitterStaysAroundExponentialBase(t *testing.T) {
	e := backoff.NewExponentialWithJitter(100*time.Millisecond, 400*time.Millisecond)
	bases := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 400 * time.Millisecond}
	for i, base := range bases {
		for n := 0; n < 50; n++ {
			got := e.Delay(i + 1)
			assert.GreaterOrEqual(t, got, base/2, "attempt %d", i+1)
			assert.LessOrEqual(t, got, base*3/2, "attempt %d", i+1)
		}
	}
}

func TestStrategiesAreSafeForConcurrentUse(t *testing.T) {
	e := backoff.NewExponential(10*time.Millisecond, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				assert.Equal(t, 40*time.Millisecond, e.Delay(3))
			}
		}()
	}
	wg.Wait()
}

func TestParse(t *testing.T) {
	for _, name := range []string{"", "constant", "linear", "exponential", "jitter"} {
		s, err := backoff.Parse(name, time.Second, time.Minute)
		require.NoError(t, err, name)
		assert.Positive(t, s.Delay(1), name)
	}
	_, err := backoff.Parse("fibonacci", time.Second, time.Minute)
	assert.ErrorContains(t, err, "unknown backoff strategy")
}
