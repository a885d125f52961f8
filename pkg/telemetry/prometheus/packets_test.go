package prometheus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	before := GetStats()

	IncrementPackets(Incoming, KindRTP, 2, 200)
	IncrementPackets(Outgoing, KindRTCP, 1, 40)
	IncrementDrop(DropReasonCrypto)
	IncrementNACK(3)
	IncrementAbandoned(0)
	IncrementAbandoned(4)

	after := GetStats()
	require.Equal(t, before.PacketsIn+2, after.PacketsIn)
	require.Equal(t, before.BytesIn+200, after.BytesIn)
	require.Equal(t, before.PacketsOut+1, after.PacketsOut)
	require.Equal(t, before.BytesOut+40, after.BytesOut)
	require.Equal(t, before.Dropped+1, after.Dropped)
	require.Equal(t, before.NACKs+1, after.NACKs)
	require.Equal(t, before.Abandoned+4, after.Abandoned)
}

func TestInitIdempotent(t *testing.T) {
	require.NotPanics(t, func() {
		Init()
		Init()
	})
}
