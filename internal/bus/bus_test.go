package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confmesh/internal/types"
)

func TestNextDelayDoublesToCap(t *testing.T) {
	d := initialBackoff
	var seen []time.Duration
	for i := 0; i < 10; i++ {
		seen = append(seen, d)
		d = nextDelay(d)
	}
	assert.Equal(t, 500*time.Millisecond, seen[0])
	assert.Equal(t, 1*time.Second, seen[1])
	assert.Equal(t, 2*time.Second, seen[2])
	assert.Equal(t, 16*time.Second, seen[5])
	assert.Equal(t, 30*time.Second, seen[6])
	assert.Equal(t, 30*time.Second, seen[9])
}

func TestReconnectDelayResetsAfterHealthySession(t *testing.T) {
	// Short sessions keep the accumulated backoff.
	assert.Equal(t, 2*time.Second, reconnectDelay(2*time.Second, 100*time.Millisecond))
	assert.Equal(t, maxBackoff, reconnectDelay(maxBackoff, healthcheckInterval-time.Second))

	// A session that outlived one healthcheck interval restarts the
	// backoff, even from the cap.
	assert.Equal(t, initialBackoff, reconnectDelay(maxBackoff, healthcheckInterval))
	assert.Equal(t, initialBackoff, reconnectDelay(2*time.Second, time.Hour))
}

func TestWithJitterStaysWithinSpread(t *testing.T) {
	base := 10 * time.Second
	lo := time.Duration(float64(base) * 0.8)
	hi := time.Duration(float64(base) * 1.2)
	for i := 0; i < 200; i++ {
		d := withJitter(base)
		assert.GreaterOrEqual(t, d, lo)
		assert.LessOrEqual(t, d, hi)
	}
}

func TestDispatchDecodesPayload(t *testing.T) {
	var got types.EventPayload
	c := New("", nil, func(p types.EventPayload) { got = p }, nil)

	want := types.EventPayload{ConfigID: uuid.New(), Version: 7, Kind: types.EventUpsert}
	raw, err := json.Marshal(want)
	require.NoError(t, err)

	c.dispatch(string(raw))
	assert.Equal(t, want, got)
}

func TestDispatchDropsGarbage(t *testing.T) {
	called := false
	c := New("", nil, func(types.EventPayload) { called = true }, nil)
	c.dispatch("{not json")
	assert.False(t, called)
}

func TestStopWithoutStart(t *testing.T) {
	c := New("", nil, nil, nil)
	c.Stop()
}
