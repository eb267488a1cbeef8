package global

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTriggerShutdown(t *testing.T) {
	assert.False(t, ShuttingDown())
	assert.True(t, StartupTime.Before(time.Now().Add(time.Second)))
	TriggerShutdown()
	assert.True(t, ShuttingDown())
}
