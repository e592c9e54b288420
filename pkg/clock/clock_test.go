package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	assert.Equal(t, start, f.Now())

	f.Advance(10 * time.Minute)
	assert.Equal(t, start.Add(10*time.Minute), f.Now())

	f.Sleep(5 * time.Second)
	assert.Equal(t, start.Add(10*time.Minute+5*time.Second), f.Now())
}

func TestFakeSet(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	target := time.Date(2030, 6, 15, 12, 0, 0, 0, time.UTC)
	f.Set(target)
	assert.Equal(t, target, f.Now())
}

func TestRealNowIsUTC(t *testing.T) {
	var r Real
	assert.Equal(t, time.UTC, r.Now().Location())
}
