package connmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffNonDecreasingToCap(t *testing.T) {
	b := Backoff{Base: 5 * time.Second, Max: 60 * time.Second}

	prev := time.Duration(0)
	for retry := 0; retry < 12; retry++ {
		d := b.Delay(retry)
		assert.GreaterOrEqual(t, d, prev, "delay must not decrease at retry %d", retry)
		assert.LessOrEqual(t, d, b.Max)
		prev = d
	}
	assert.Equal(t, 5*time.Second, b.Delay(0))
	assert.Equal(t, 10*time.Second, b.Delay(1))
	assert.Equal(t, 40*time.Second, b.Delay(3))
	assert.Equal(t, 60*time.Second, b.Delay(4))
	assert.Equal(t, 60*time.Second, b.Delay(50))
}

func TestBackoffJitterIsAdditiveAndBounded(t *testing.T) {
	b := Backoff{Base: 5 * time.Second, Max: 60 * time.Second, JitterFrac: 0.1}

	for retry := 0; retry < 8; retry++ {
		floor := b.Delay(retry)
		ceil := floor + time.Duration(0.1*float64(floor))
		for i := 0; i < 20; i++ {
			j := b.Jittered(retry)
			assert.GreaterOrEqual(t, j, floor)
			assert.LessOrEqual(t, j, ceil)
		}
	}
}

func TestBackoffZeroJitter(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 8 * time.Second}
	assert.Equal(t, b.Delay(2), b.Jittered(2))
}
