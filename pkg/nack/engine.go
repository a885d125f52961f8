package nack

import (
	"time"

	"github.com/livekit/media-transform/pkg/packet"
	"github.com/livekit/media-transform/pkg/transform"
)

// Engine places a Requester in a chain. It observes the sequence numbers of received
// RTP packets and passes every packet through.
type Engine struct {
	requester *Requester
	rtp       *transform.SinglePacketTransformer
}

// NewEngine creates the engine and its requester. NACKs are injected after the engine
// unless params.After is set.
func NewEngine(params RequesterParams) *Engine {
	e := &Engine{}
	if params.After == nil {
		params.After = e
	}
	e.requester = NewRequester(params)
	e.rtp = &transform.SinglePacketTransformer{
		OnReverseTransform: e.observe,
		OnClose: func() error {
			e.requester.Close()
			return nil
		},
	}
	return e
}

func (e *Engine) Requester() *Requester {
	return e.requester
}

func (e *Engine) RTPTransformer() transform.PacketTransformer {
	return e.rtp
}

func (e *Engine) RTCPTransformer() transform.PacketTransformer {
	return nil
}

func (e *Engine) TimeUntilNextRun() time.Duration {
	return e.requester.TimeUntilNextRun()
}

func (e *Engine) Run() error {
	return e.requester.Run()
}

func (e *Engine) observe(p *packet.RawPacket) *packet.RawPacket {
	if p.Length() >= packet.FixedHeaderSize {
		e.requester.PacketReceived(p.SSRC(), p.SequenceNumber())
	}
	return p
}
