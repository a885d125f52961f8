package nack

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/livekit/media-transform/pkg/packet"
	"github.com/livekit/media-transform/pkg/transform"
)

const (
	testSenderSSRC = 0xabcd
	testMediaSSRC  = 0x1234
)

type injected struct {
	mediaSSRC uint32
	seqNums   []uint16
}

type testInjector struct {
	t     *testing.T
	err   error
	after []transform.TransformEngine
	nacks []injected
}

func (i *testInjector) InjectPacket(pkt *packet.RawPacket, data bool, after transform.TransformEngine) error {
	require.False(i.t, data)
	i.after = append(i.after, after)
	if i.err != nil {
		return i.err
	}

	pkts, err := rtcp.Unmarshal(pkt.Bytes())
	require.NoError(i.t, err)
	require.Len(i.t, pkts, 1)
	nack, ok := pkts[0].(*rtcp.TransportLayerNack)
	require.True(i.t, ok)
	require.Equal(i.t, uint32(testSenderSSRC), nack.SenderSSRC)

	var seqNums []uint16
	for _, pair := range nack.Nacks {
		seqNums = append(seqNums, pair.PacketList()...)
	}
	i.nacks = append(i.nacks, injected{mediaSSRC: nack.MediaSSRC, seqNums: seqNums})
	return nil
}

func (i *testInjector) take() []injected {
	nacks := i.nacks
	i.nacks = nil
	return nacks
}

func newTestRequester(t *testing.T, maxRequests int) (*Requester, *testInjector, *clock.Mock) {
	mock := clock.NewMock()
	injector := &testInjector{t: t}
	r := NewRequester(RequesterParams{
		SenderSSRC:     testSenderSSRC,
		MaxMissing:     50,
		MaxRequests:    maxRequests,
		ReRequestAfter: 100 * time.Millisecond,
		Injector:       injector,
		Clock:          mock,
	})
	return r, injector, mock
}

func TestRequesterRetries(t *testing.T) {
	r, injector, mock := newTestRequester(t, 3)
	require.Equal(t, NoWork, r.TimeUntilNextRun())

	r.PacketReceived(testMediaSSRC, 10)
	require.Equal(t, NoWork, r.TimeUntilNextRun())
	r.PacketReceived(testMediaSSRC, 12)
	require.Equal(t, time.Duration(0), r.TimeUntilNextRun())
	require.Equal(t, []uint16{11}, r.Missing(testMediaSSRC))

	for attempt := 1; attempt <= 3; attempt++ {
		require.NoError(t, r.Run())
		require.Equal(t, []injected{{mediaSSRC: testMediaSSRC, seqNums: []uint16{11}}}, injector.take())

		// nothing more until the re-request interval passes
		require.NoError(t, r.Run())
		require.Empty(t, injector.take())

		if attempt < 3 {
			require.Equal(t, 100*time.Millisecond, r.TimeUntilNextRun())
			mock.Add(60 * time.Millisecond)
			require.Equal(t, 40*time.Millisecond, r.TimeUntilNextRun())
			mock.Add(40 * time.Millisecond)
			require.Equal(t, time.Duration(0), r.TimeUntilNextRun())
		}
	}

	// abandoned after the last request
	require.Equal(t, NoWork, r.TimeUntilNextRun())
	require.Empty(t, r.Missing(testMediaSSRC))
	mock.Add(time.Second)
	require.NoError(t, r.Run())
	require.Empty(t, injector.take())

	// NACKs are injected after the configured engine, nil here
	require.Equal(t, []transform.TransformEngine{nil, nil, nil}, injector.after)
}

func TestRequesterSuppressesReceived(t *testing.T) {
	r, injector, mock := newTestRequester(t, 5)

	r.PacketReceived(testMediaSSRC, 10)
	r.PacketReceived(testMediaSSRC, 12)
	require.NoError(t, r.Run())
	require.Equal(t, []injected{{mediaSSRC: testMediaSSRC, seqNums: []uint16{11}}}, injector.take())

	r.PacketReceived(testMediaSSRC, 15)
	r.PacketReceived(testMediaSSRC, 14)
	r.PacketReceived(testMediaSSRC, 11)
	require.Equal(t, []uint16{13}, r.Missing(testMediaSSRC))

	mock.Add(100 * time.Millisecond)
	require.NoError(t, r.Run())
	require.Equal(t, []injected{{mediaSSRC: testMediaSSRC, seqNums: []uint16{13}}}, injector.take())
}

func TestRequesterBigGapReset(t *testing.T) {
	r, injector, _ := newTestRequester(t, 5)

	r.PacketReceived(testMediaSSRC, 10)
	r.PacketReceived(testMediaSSRC, 12)
	require.Equal(t, []uint16{11}, r.Missing(testMediaSSRC))

	r.PacketReceived(testMediaSSRC, 12+51)
	require.Empty(t, r.Missing(testMediaSSRC))
	require.Equal(t, NoWork, r.TimeUntilNextRun())
	require.NoError(t, r.Run())
	require.Empty(t, injector.take())

	// tracking resumes from the new high-water mark
	r.PacketReceived(testMediaSSRC, 12+53)
	require.Equal(t, []uint16{12 + 52}, r.Missing(testMediaSSRC))
}

func TestRequesterOldAndDuplicatePackets(t *testing.T) {
	r, _, _ := newTestRequester(t, 5)

	r.PacketReceived(testMediaSSRC, 100)
	r.PacketReceived(testMediaSSRC, 100)
	r.PacketReceived(testMediaSSRC, 90)
	require.Empty(t, r.Missing(testMediaSSRC))
	require.Equal(t, NoWork, r.TimeUntilNextRun())
}

func TestRequesterWraparound(t *testing.T) {
	r, injector, _ := newTestRequester(t, 5)

	r.PacketReceived(testMediaSSRC, 65534)
	r.PacketReceived(testMediaSSRC, 1)
	require.Equal(t, []uint16{65535, 0}, r.Missing(testMediaSSRC))

	require.NoError(t, r.Run())
	require.Equal(t, []injected{{mediaSSRC: testMediaSSRC, seqNums: []uint16{65535, 0}}}, injector.take())
}

func TestRequesterMultipleSSRCs(t *testing.T) {
	r, injector, _ := newTestRequester(t, 5)

	r.PacketReceived(2, 1)
	r.PacketReceived(2, 3)
	r.PacketReceived(1, 1)
	r.PacketReceived(1, 4)
	require.NoError(t, r.Run())
	require.Equal(t, []injected{
		{mediaSSRC: 1, seqNums: []uint16{2, 3}},
		{mediaSSRC: 2, seqNums: []uint16{2}},
	}, injector.take())
}

func TestRequesterInjectionFailure(t *testing.T) {
	r, injector, _ := newTestRequester(t, 5)
	injector.err = errors.New("transport down")

	r.PacketReceived(testMediaSSRC, 1)
	r.PacketReceived(testMediaSSRC, 3)
	require.ErrorIs(t, r.Run(), injector.err)

	// bookkeeping advanced, no immediate retry
	require.Equal(t, 100*time.Millisecond, r.TimeUntilNextRun())
	require.Equal(t, []uint16{2}, r.Missing(testMediaSSRC))

	noInjector := NewRequester(RequesterParams{Clock: clock.NewMock()})
	noInjector.PacketReceived(1, 1)
	noInjector.PacketReceived(1, 3)
	require.ErrorIs(t, noInjector.Run(), ErrNoInjector)
}

func TestRequesterOnWorkAndClose(t *testing.T) {
	woken := 0
	r := NewRequester(RequesterParams{
		Clock:    clock.NewMock(),
		Injector: &testInjector{t: t},
		OnWork:   func() { woken++ },
	})

	r.PacketReceived(1, 1)
	r.PacketReceived(1, 2)
	require.Zero(t, woken)
	r.PacketReceived(1, 4)
	require.Equal(t, 1, woken)

	r.Close()
	require.Equal(t, NoWork, r.TimeUntilNextRun())
	r.PacketReceived(1, 10)
	require.Equal(t, 1, woken)
	require.NoError(t, r.Run())
}

func TestEngineObserves(t *testing.T) {
	injector := &testInjector{t: t}
	e := NewEngine(RequesterParams{
		SenderSSRC: testSenderSSRC,
		Injector:   injector,
		Clock:      clock.NewMock(),
	})
	require.Nil(t, e.RTCPTransformer())

	var pkts []*packet.RawPacket
	for _, sn := range []uint16{1, 2, 4} {
		b, err := (&rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: sn, SSRC: testMediaSSRC}}).Marshal()
		require.NoError(t, err)
		pkts = append(pkts, packet.NewRawPacketFromBytes(b))
	}
	out := e.RTPTransformer().ReverseTransform(pkts)
	require.Len(t, transform.Live(out), 3)

	require.Equal(t, time.Duration(0), e.TimeUntilNextRun())
	require.NoError(t, e.Run())
	require.Equal(t, []injected{{mediaSSRC: testMediaSSRC, seqNums: []uint16{3}}}, injector.take())
	require.Equal(t, []transform.TransformEngine{e}, injector.after)

	require.NoError(t, e.RTPTransformer().Close())
	require.Equal(t, NoWork, e.TimeUntilNextRun())
}
