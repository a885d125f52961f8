package discard

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/media-transform/pkg/packet"
	"github.com/livekit/media-transform/pkg/telemetry/prometheus"
	"github.com/livekit/media-transform/pkg/transform"
)

const DefaultMaxStreams = 1024

type EngineParams struct {
	// MaxStreams bounds the number of SSRCs tracked, least recently seen are forgotten first.
	MaxStreams int
	Logger     logger.Logger
}

// Engine drops received packets flagged with packet.FlagDiscard and renumbers the rest
// of the stream so that it has no gaps.
type Engine struct {
	params EngineParams

	lock      sync.Mutex
	rewriters *lru.Cache[uint32, *ResumableStreamRewriter]

	rtp *transform.SinglePacketTransformer
}

func NewEngine(params EngineParams) (*Engine, error) {
	if params.MaxStreams <= 0 {
		params.MaxStreams = DefaultMaxStreams
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	rewriters, err := lru.New[uint32, *ResumableStreamRewriter](params.MaxStreams)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		params:    params,
		rewriters: rewriters,
	}
	e.rtp = &transform.SinglePacketTransformer{
		OnReverseTransform: e.rewrite,
		OnClose: func() error {
			e.rewriters.Purge()
			return nil
		},
	}
	return e, nil
}

func (e *Engine) RTPTransformer() transform.PacketTransformer {
	return e.rtp
}

func (e *Engine) RTCPTransformer() transform.PacketTransformer {
	return nil
}

func (e *Engine) rewrite(p *packet.RawPacket) *packet.RawPacket {
	if p.Length() < packet.FixedHeaderSize {
		return p
	}

	ssrc := p.SSRC()
	accept := p.Flags&packet.FlagDiscard == 0

	e.lock.Lock()
	rewriter, ok := e.rewriters.Get(ssrc)
	if !ok {
		rewriter = &ResumableStreamRewriter{}
		e.rewriters.Add(ssrc, rewriter)
	}
	sn := rewriter.Rewrite(accept, p.SequenceNumber())
	e.lock.Unlock()

	if !accept {
		e.params.Logger.Debugw("discarding packet", "ssrc", ssrc, "sn", sn)
		prometheus.IncrementDrop(prometheus.DropReasonDiscard)
		return nil
	}
	p.SetSequenceNumber(sn)
	return p
}
