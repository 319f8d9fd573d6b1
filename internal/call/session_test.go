package call

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRoomName(t *testing.T) {
	a, err := NewRoomName("dr-smith", "patient-42")
	require.NoError(t, err)
	b, err := NewRoomName("dr-smith", "patient-42")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, "dr-smith-patient-42-"))
	assert.Len(t, strings.TrimPrefix(a, "dr-smith-patient-42-"), roomSuffixLength)
	assert.NotEqual(t, a, b)
}

func TestStateClassification(t *testing.T) {
	for _, s := range []State{StateEnded, StateRejected, StateFailed} {
		assert.True(t, s.Terminal(), s)
		assert.False(t, s.Live(), s)
	}
	for _, s := range []State{StateDialing, StateRinging, StateConnecting, StateActive, StateEnding} {
		assert.False(t, s.Terminal(), s)
		assert.True(t, s.Live(), s)
	}
	assert.False(t, StateIdle.Live())

	assert.True(t, StateDialing.progressed())
	assert.True(t, StateActive.progressed())
	assert.False(t, StateRinging.progressed())
}

func TestSnapshotDuration(t *testing.T) {
	now := time.Now()
	assert.Zero(t, Snapshot{}.Duration(now))
	assert.Equal(t, time.Minute, Snapshot{ConnectedAt: now.Add(-time.Minute)}.Duration(now))
}
