package discard

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/livekit/media-transform/pkg/packet"
)

func newPacket(t *testing.T, ssrc uint32, sn uint16, discard bool) *packet.RawPacket {
	b, err := (&rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: sn, SSRC: ssrc},
		Payload: []byte{1},
	}).Marshal()
	require.NoError(t, err)

	p := packet.NewRawPacketFromBytes(b)
	if discard {
		p.Flags |= packet.FlagDiscard
	}
	return p
}

func TestDiscardRewrite(t *testing.T) {
	tests := []struct {
		name    string
		start   uint16
		discard []bool
	}{
		{
			name:    "no discards",
			start:   100,
			discard: []bool{false, false, false},
		},
		{
			name:    "interleaved",
			start:   100,
			discard: []bool{false, true, false, true, true, false, false, true},
		},
		{
			name:    "leading discards",
			start:   7,
			discard: []bool{true, true, false, false, true, false},
		},
		{
			name:    "wraparound",
			start:   65533,
			discard: []bool{false, true, true, false, false, true, false},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewEngine(EngineParams{})
			require.NoError(t, err)

			var pkts []*packet.RawPacket
			firstAccepted := -1
			discarded := 0
			for i, d := range tt.discard {
				sn := tt.start + uint16(i)
				pkts = append(pkts, newPacket(t, 1, sn, d))
				if d {
					discarded++
				} else if firstAccepted < 0 {
					firstAccepted = int(sn)
				}
			}

			var out []*packet.RawPacket
			for _, p := range pkts {
				res := e.RTPTransformer().ReverseTransform([]*packet.RawPacket{p})
				if res[0] != nil {
					out = append(out, res[0])
				}
			}

			require.Len(t, out, len(tt.discard)-discarded)
			for i, p := range out {
				require.Equal(t, uint16(firstAccepted)+uint16(i), p.SequenceNumber())
			}
		})
	}
}

func TestDiscardPerSSRC(t *testing.T) {
	e, err := NewEngine(EngineParams{MaxStreams: 2})
	require.NoError(t, err)
	require.Nil(t, e.RTCPTransformer())

	tr := e.RTPTransformer()
	out := tr.ReverseTransform([]*packet.RawPacket{
		newPacket(t, 1, 10, false),
		newPacket(t, 2, 50, false),
		newPacket(t, 1, 11, true),
		newPacket(t, 2, 51, false),
		newPacket(t, 1, 12, false),
	})
	require.Nil(t, out[2])
	require.Equal(t, uint16(51), out[3].SequenceNumber())
	require.Equal(t, uint16(11), out[4].SequenceNumber())

	// forward is untouched
	fwd := tr.Transform([]*packet.RawPacket{newPacket(t, 1, 13, true)})
	require.NotNil(t, fwd[0])
	require.Equal(t, uint16(13), fwd[0].SequenceNumber())

	require.NoError(t, tr.Close())
}

func TestResumableStreamRewriter(t *testing.T) {
	r := &ResumableStreamRewriter{}
	_, ok := r.HighestSent()
	require.False(t, ok)

	require.Equal(t, uint16(5), r.Rewrite(false, 5))
	require.Equal(t, uint16(6), r.Rewrite(true, 6))
	require.Equal(t, uint16(7), r.Rewrite(false, 7))
	require.Equal(t, uint16(7), r.Rewrite(true, 8))

	// late packet from before the gap keeps its place
	require.Equal(t, uint16(6), r.Rewrite(true, 7))
	highest, ok := r.HighestSent()
	require.True(t, ok)
	require.Equal(t, uint16(7), highest)
}
