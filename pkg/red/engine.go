package red

import (
	"github.com/livekit/protocol/logger"

	"github.com/livekit/media-transform/pkg/packet"
	"github.com/livekit/media-transform/pkg/telemetry/prometheus"
	"github.com/livekit/media-transform/pkg/transform"
)

type EngineParams struct {
	// PayloadType is the negotiated RED payload type.
	PayloadType uint8
	Logger      logger.Logger
}

// Engine replaces received RED packets with their primary encoding.
type Engine struct {
	params EngineParams
	rtp    *transform.SinglePacketTransformer
}

func NewEngine(params EngineParams) *Engine {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	e := &Engine{params: params}
	e.rtp = &transform.SinglePacketTransformer{
		OnReverseTransform: e.extractPrimary,
	}
	return e
}

func (e *Engine) RTPTransformer() transform.PacketTransformer {
	return e.rtp
}

func (e *Engine) RTCPTransformer() transform.PacketTransformer {
	return nil
}

func (e *Engine) extractPrimary(p *packet.RawPacket) *packet.RawPacket {
	if p.PayloadType() != e.params.PayloadType {
		return p
	}
	if err := p.Validate(); err != nil {
		e.params.Logger.Debugw("dropping invalid red packet", "error", err)
		prometheus.IncrementDrop(prometheus.DropReasonMalformed)
		return nil
	}

	buf := p.Buffer()
	primary := GetPrimaryBlock(buf, p.PayloadOffset(), p.PayloadLength())
	if primary == nil {
		e.params.Logger.Warnw("could not parse red packet", nil, "ssrc", p.SSRC(), "sn", p.SequenceNumber())
		prometheus.IncrementDrop(prometheus.DropReasonMalformed)
		return nil
	}

	headerLength := p.HeaderLength()
	copy(buf[p.PayloadOffset():], primary.Bytes(buf))
	buf[p.Offset()] &^= 0x20 // padding went with the red payload
	if err := p.SetLength(headerLength + primary.Length); err != nil {
		return nil
	}
	p.SetPayloadType(primary.PayloadType)
	return p
}
