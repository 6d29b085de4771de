package connserver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlapDetectorAllowsFirstFaultPerWorker(t *testing.T) {
	f := newFlapDetector()
	_, ok := f.limiter.Allow(0)
	assert.True(t, ok)
}

func TestFlapDetectorSuppressesRapidRepeatsForSameWorker(t *testing.T) {
	f := newFlapDetector()
	f.logFault(0, errors.New("first"))
	_, ok := f.limiter.Allow(0)
	assert.False(t, ok, "a second fault within the same second should be suppressed")
}

func TestFlapDetectorTracksWorkersIndependently(t *testing.T) {
	f := newFlapDetector()
	f.logFault(0, errors.New("worker 0 fault"))
	_, ok := f.limiter.Allow(1)
	assert.True(t, ok, "a different worker index must not be suppressed by another worker's fault")
}
