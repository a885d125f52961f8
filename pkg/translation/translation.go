package translation

import (
	"sync"

	"github.com/livekit/media-transform/pkg/packet"
	"github.com/livekit/media-transform/pkg/transform"
)

// SequenceNumber returns (seq + delta) mod 2^16 for any int delta.
func SequenceNumber(seq uint16, delta int) uint16 {
	if delta == 0 {
		return seq
	}
	return seq + uint16(delta)
}

// Timestamp returns (ts + delta) mod 2^32 for any int64 delta.
func Timestamp(ts uint32, delta int64) uint32 {
	if delta == 0 {
		return ts
	}
	return ts + uint32(delta)
}

// Translation is the rewrite applied to one source SSRC. A zero SSRC keeps the original.
type Translation struct {
	SequenceDelta  int
	TimestampDelta int64
	SSRC           uint32
}

// Engine rewrites sequence numbers, timestamps and SSRCs of RTP packets, and the sender
// timestamp and SSRC of RTCP sender reports, according to a per-SSRC table. The same
// rewrite applies in both directions.
type Engine struct {
	lock         sync.RWMutex
	translations map[uint32]Translation

	rtp  *transform.SinglePacketTransformer
	rtcp *transform.SinglePacketTransformer
}

func NewEngine() *Engine {
	e := &Engine{
		translations: make(map[uint32]Translation),
	}
	e.rtp = &transform.SinglePacketTransformer{
		OnTransform:        e.translateRTP,
		OnReverseTransform: e.translateRTP,
	}
	e.rtcp = &transform.SinglePacketTransformer{
		OnTransform:        e.translateRTCP,
		OnReverseTransform: e.translateRTCP,
	}
	return e
}

func (e *Engine) SetTranslation(ssrc uint32, t Translation) {
	e.lock.Lock()
	e.translations[ssrc] = t
	e.lock.Unlock()
}

func (e *Engine) RemoveTranslation(ssrc uint32) {
	e.lock.Lock()
	delete(e.translations, ssrc)
	e.lock.Unlock()
}

func (e *Engine) getTranslation(ssrc uint32) (Translation, bool) {
	e.lock.RLock()
	defer e.lock.RUnlock()

	t, ok := e.translations[ssrc]
	return t, ok
}

func (e *Engine) RTPTransformer() transform.PacketTransformer {
	return e.rtp
}

func (e *Engine) RTCPTransformer() transform.PacketTransformer {
	return e.rtcp
}

func (e *Engine) translateRTP(p *packet.RawPacket) *packet.RawPacket {
	if p.Length() < packet.FixedHeaderSize {
		return p
	}
	t, ok := e.getTranslation(p.SSRC())
	if !ok {
		return p
	}

	p.SetSequenceNumber(SequenceNumber(p.SequenceNumber(), t.SequenceDelta))
	p.SetTimestamp(Timestamp(p.Timestamp(), t.TimestampDelta))
	if t.SSRC != 0 {
		p.SetSSRC(t.SSRC)
	}
	return p
}

func (e *Engine) translateRTCP(p *packet.RawPacket) *packet.RawPacket {
	packet.ForEachRTCP(p.Bytes(), func(b []byte) bool {
		e.translateSenderReport(packet.NewRawPacketFromBytes(b))
		return true
	})
	return p
}

// translateSenderReport rewrites sr in place, sr shares the buffer of the compound packet.
func (e *Engine) translateSenderReport(sr *packet.RawPacket) {
	if !sr.IsRTCPSenderReport() {
		return
	}
	t, ok := e.getTranslation(sr.RTCPSenderSSRC())
	if !ok {
		return
	}

	sr.SetSenderReportRTPTimestamp(Timestamp(sr.SenderReportRTPTimestamp(), t.TimestampDelta))
	if t.SSRC != 0 {
		sr.SetRTCPSenderSSRC(t.SSRC)
	}
}
