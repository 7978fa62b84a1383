package eventbus_test

import (
	"testing"
	"time"

	"github.com/forgebuild/forge/internal/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopNeverErrors(t *testing.T) {
	var bus eventbus.Bus = eventbus.Nop{}
	bus.Publish(eventbus.Event{Kind: eventbus.KindRunning, Target: "/app", At: time.Now()})
	assert.NoError(t, bus.Close())
}

func TestServerListenAndClose(t *testing.T) {
	s, err := eventbus.Listen("127.0.0.1:0")
	require.NoError(t, err)

	s.Publish(eventbus.Event{Kind: eventbus.KindDone, Target: "/app", At: time.Now()})
	assert.NoError(t, s.Close())
}
