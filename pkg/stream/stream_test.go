package stream

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	pionsrtp "github.com/pion/srtp/v2"
	"github.com/stretchr/testify/require"

	"github.com/livekit/media-transform/pkg/discard"
	"github.com/livekit/media-transform/pkg/nack"
	"github.com/livekit/media-transform/pkg/packet"
	"github.com/livekit/media-transform/pkg/red"
	"github.com/livekit/media-transform/pkg/srtp"
	"github.com/livekit/media-transform/pkg/testutils"
	"github.com/livekit/media-transform/pkg/translation"
)

type sent struct {
	b    []byte
	rtcp bool
}

type fakeConnector struct {
	lock sync.Mutex
	sent []sent
	err  error
}

func (c *fakeConnector) Send(b []byte, rtcp bool) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, sent{b: append([]byte(nil), b...), rtcp: rtcp})
	return nil
}

func (c *fakeConnector) Sent() []sent {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]sent(nil), c.sent...)
}

type received struct {
	lock sync.Mutex
	pkts []sent
}

func (r *received) handle(p *packet.RawPacket, rtcp bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.pkts = append(r.pkts, sent{b: append([]byte(nil), p.Bytes()...), rtcp: rtcp})
}

func (r *received) Packets() []sent {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]sent(nil), r.pkts...)
}

func marshalRTP(t *testing.T, pt uint8, ssrc uint32, sn uint16, payload []byte) []byte {
	b, err := (&rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: pt, SequenceNumber: sn, Timestamp: 960 * uint32(sn), SSRC: ssrc},
		Payload: payload,
	}).Marshal()
	require.NoError(t, err)
	return b
}

var (
	keysA = srtp.Keys{MasterKey: bytes.Repeat([]byte{0xa1}, 16), MasterSalt: bytes.Repeat([]byte{0xa2}, 14)}
	keysB = srtp.Keys{MasterKey: bytes.Repeat([]byte{0xb1}, 16), MasterSalt: bytes.Repeat([]byte{0xb2}, 14)}
)

func srtpEngines(t *testing.T) (*srtp.Engine, *srtp.Engine) {
	profile := pionsrtp.ProtectionProfileAes128CmHmacSha1_80
	a, err := srtp.NewEngineFromKeys(srtp.SessionKeys{Local: keysA, Remote: keysB}, profile, 64, nil)
	require.NoError(t, err)
	b, err := srtp.NewEngineFromKeys(srtp.SessionKeys{Local: keysB, Remote: keysA}, profile, 64, nil)
	require.NoError(t, err)
	return a, b
}

func TestPassthrough(t *testing.T) {
	conn := &fakeConnector{}
	recv := &received{}
	s, err := NewStream(StreamParams{Connector: conn, Handler: recv.handle})
	require.NoError(t, err)
	defer s.Close()

	b := marshalRTP(t, 111, 1, 10, []byte{1, 2, 3})
	require.NoError(t, s.WriteRTP(append([]byte(nil), b...)))
	require.Equal(t, []sent{{b: b}}, conn.Sent())

	require.NoError(t, s.HandleIncoming(append([]byte(nil), b...)))
	sr, err := (&rtcp.SenderReport{SSRC: 1}).Marshal()
	require.NoError(t, err)
	require.NoError(t, s.HandleIncoming(sr))
	require.Equal(t, []sent{{b: b}, {b: sr, rtcp: true}}, recv.Packets())
}

func TestSRTPRoundTrip(t *testing.T) {
	engineA, engineB := srtpEngines(t)

	connA := &fakeConnector{}
	a, err := NewStream(StreamParams{Connector: connA, SRTP: engineA})
	require.NoError(t, err)
	defer a.Close()

	recvB := &received{}
	b, err := NewStream(StreamParams{Connector: &fakeConnector{}, Handler: recvB.handle, SRTP: engineB})
	require.NoError(t, err)
	defer b.Close()

	plain := marshalRTP(t, 111, 0x1234, 1, []byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, a.WriteRTP(append([]byte(nil), plain...)))
	bye, err := (&rtcp.Goodbye{Sources: []uint32{0x1234}}).Marshal()
	require.NoError(t, err)
	require.NoError(t, a.WriteRTCP(append([]byte(nil), bye...)))

	out := connA.Sent()
	require.Len(t, out, 2)
	require.NotEqual(t, plain, out[0].b)
	require.False(t, out[0].rtcp)
	require.True(t, out[1].rtcp)

	for _, o := range out {
		require.NoError(t, b.HandleIncoming(o.b))
	}
	require.Equal(t, []sent{{b: plain}, {b: bye, rtcp: true}}, recvB.Packets())

	// replayed packets are dropped
	require.NoError(t, b.HandleIncoming(append([]byte(nil), out[0].b...)))
	require.Len(t, recvB.Packets(), 2)
}

func TestNACKInjectedThroughSRTCP(t *testing.T) {
	const (
		mediaSSRC  = 0x1234
		senderSSRC = 0xcafe
	)
	engineA, engineB := srtpEngines(t)

	connA := &fakeConnector{}
	recvA := &received{}
	a, err := NewStream(StreamParams{Connector: connA, Handler: recvA.handle, SRTP: engineA})
	require.NoError(t, err)
	defer a.Close()

	connB := &fakeConnector{}
	b, err := NewStream(StreamParams{
		Connector: connB,
		SRTP:      engineB,
		NACK: &nack.RequesterParams{
			SenderSSRC:     senderSSRC,
			ReRequestAfter: time.Hour,
		},
	})
	require.NoError(t, err)
	defer b.Close()

	for _, sn := range []uint16{1, 2, 5} {
		require.NoError(t, a.WriteRTP(marshalRTP(t, 111, mediaSSRC, sn, []byte{byte(sn)})))
	}
	for _, o := range connA.Sent() {
		require.NoError(t, b.HandleIncoming(o.b))
	}

	testutils.WithTimeout(t, func() string {
		if n := len(connB.Sent()); n != 1 {
			return fmt.Sprintf("expected 1 NACK, got %d", n)
		}
		return ""
	})

	out := connB.Sent()[0]
	require.True(t, out.rtcp)
	require.NoError(t, a.HandleIncoming(out.b))

	pkts := recvA.Packets()
	require.Len(t, pkts, 1)
	parsed, err := rtcp.Unmarshal(pkts[0].b)
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	n, ok := parsed[0].(*rtcp.TransportLayerNack)
	require.True(t, ok)
	require.Equal(t, uint32(senderSSRC), n.SenderSSRC)
	require.Equal(t, uint32(mediaSSRC), n.MediaSSRC)
	require.Len(t, n.Nacks, 1)
	require.Equal(t, []uint16{3, 4}, n.Nacks[0].PacketList())

	require.Equal(t, []uint16{3, 4}, b.NACK().Missing(mediaSSRC))
}

func TestREDAndTranslation(t *testing.T) {
	const redPT = 63

	tr := translation.NewEngine()
	tr.SetTranslation(42, translation.Translation{SequenceDelta: 100, SSRC: 77})

	recv := &received{}
	s, err := NewStream(StreamParams{
		Connector:   &fakeConnector{},
		Handler:     recv.handle,
		Translation: tr,
		RED:         &red.EngineParams{PayloadType: redPT},
	})
	require.NoError(t, err)
	defer s.Close()

	payload := make([]byte, 64)
	n, err := red.Encode(payload,
		[]red.Encoding{{PayloadType: 111, TimestampOffset: 960, Payload: []byte{1, 1}}},
		red.Encoding{PayloadType: 111, Payload: []byte{7, 7, 7}},
	)
	require.NoError(t, err)
	require.NoError(t, s.HandleIncoming(marshalRTP(t, redPT, 42, 1, payload[:n])))

	pkts := recv.Packets()
	require.Len(t, pkts, 1)
	var p rtp.Packet
	require.NoError(t, p.Unmarshal(pkts[0].b))
	require.Equal(t, uint8(111), p.PayloadType)
	require.Equal(t, uint16(101), p.SequenceNumber)
	require.Equal(t, uint32(77), p.SSRC)
	require.Equal(t, []byte{7, 7, 7}, p.Payload)

	// malformed red never reaches the handler
	require.NoError(t, s.HandleIncoming(marshalRTP(t, redPT, 42, 2, []byte{0x81})))
	require.Len(t, recv.Packets(), 1)
}

func TestClose(t *testing.T) {
	conn := &fakeConnector{}
	s, err := NewStream(StreamParams{
		Connector: conn,
		Discard:   &discard.EngineParams{},
		NACK:      &nack.RequesterParams{},
	})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.WriteRTP(marshalRTP(t, 111, 1, 1, nil)), ErrStreamClosed)
	require.ErrorIs(t, s.HandleIncoming(marshalRTP(t, 111, 1, 1, nil)), ErrStreamClosed)
	require.Empty(t, conn.Sent())
}

func TestWriteErrors(t *testing.T) {
	s, err := NewStream(StreamParams{})
	require.NoError(t, err)
	defer s.Close()
	require.ErrorIs(t, s.WriteRTP(marshalRTP(t, 111, 1, 1, nil)), ErrNoConnector)

	conn := &fakeConnector{err: fmt.Errorf("network unreachable")}
	s2, err := NewStream(StreamParams{Connector: conn})
	require.NoError(t, err)
	defer s2.Close()
	require.EqualError(t, s2.WriteRTP(marshalRTP(t, 111, 1, 1, nil)), "network unreachable")
}

func TestZeroParamsStream(t *testing.T) {
	r := &received{}
	s, err := NewStream(StreamParams{Handler: r.handle})
	require.NoError(t, err)

	b := marshalRTP(t, 111, 5, 1, nil)
	require.Len(t, b, 12)
	require.NoError(t, s.HandleIncoming(b))
	require.Len(t, r.Packets(), 1)
	require.Equal(t, b, r.Packets()[0].b)

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.HandleIncoming(b), ErrStreamClosed)
}
