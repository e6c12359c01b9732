package reconciler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTargetIntervalBands(t *testing.T) {
	assert.Equal(t, lowInterval, targetInterval(0.0))
	assert.Equal(t, lowInterval, targetInterval(0.19))
	assert.Equal(t, midInterval, targetInterval(0.20))
	assert.Equal(t, midInterval, targetInterval(0.69))
	assert.Equal(t, 5*time.Millisecond, targetInterval(0.70))
	assert.Equal(t, time.Millisecond, targetInterval(1.0))

	mid := targetInterval(0.85)
	assert.Greater(t, mid, time.Millisecond)
	assert.Less(t, mid, 5*time.Millisecond)
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, clamp01(-0.5))
	assert.Equal(t, 1.0, clamp01(1.5))
	assert.Equal(t, 0.5, clamp01(0.5))
}

func TestUpdateEMASeedsFromFirstSample(t *testing.T) {
	r := &Reconciler{}
	r.updateEMA(100)
	assert.Equal(t, 100.0, r.ema)

	r.updateEMA(0)
	assert.InDelta(t, 70.0, r.ema, 0.001) // 0.3*0 + 0.7*100
}
