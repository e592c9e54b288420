package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOrNilTime(t *testing.T) {
	assert.Nil(t, orNilTime(time.Time{}, false))
	now := time.Now()
	assert.Equal(t, now, orNilTime(now, true))
}

func TestOrNilString(t *testing.T) {
	assert.Nil(t, orNilString(""))
	assert.Equal(t, "abc", orNilString("abc"))
}
