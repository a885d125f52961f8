// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stream

import (
	"errors"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/livekit/protocol/logger"
	"go.uber.org/multierr"

	"github.com/livekit/media-transform/pkg/discard"
	"github.com/livekit/media-transform/pkg/nack"
	"github.com/livekit/media-transform/pkg/packet"
	"github.com/livekit/media-transform/pkg/red"
	"github.com/livekit/media-transform/pkg/srtp"
	"github.com/livekit/media-transform/pkg/telemetry/prometheus"
	"github.com/livekit/media-transform/pkg/transform"
	"github.com/livekit/media-transform/pkg/translation"
	"github.com/livekit/media-transform/pkg/utils/recurring"
)

var (
	ErrStreamClosed = errors.New("stream closed")
	ErrNoConnector  = errors.New("stream has no connector")
)

// Connector is the transport of a stream, sending raw datagrams.
type Connector interface {
	Send(b []byte, rtcp bool) error
}

// Handler receives the inbound packets that survived the pipeline.
type Handler func(p *packet.RawPacket, rtcp bool)

type StreamParams struct {
	Connector Connector
	Handler   Handler

	// optional stages, in chain order
	Translation *translation.Engine
	RED         *red.EngineParams
	Discard     *discard.EngineParams
	NACK        *nack.RequesterParams
	SRTP        *srtp.Engine
	// Engines are added at the end of the chain, after SRTP.
	Engines []transform.TransformEngine

	// Executor runs the NACK requester. The stream runs its own when nil.
	Executor *recurring.Executor
	Logger   logger.Logger
}

// Stream runs the packets of one RTP session through an engine chain. Inbound
// datagrams go through the chain in reverse, outbound packets forward before
// being handed to the connector.
type Stream struct {
	params StreamParams

	chain       *transform.Chain
	nack        *nack.Engine
	executor    *recurring.Executor
	ownExecutor bool

	closeOnce sync.Once
	closed    core.Fuse
}

func NewStream(params StreamParams) (*Stream, error) {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	s := &Stream{
		params:   params,
		executor: params.Executor,
		closed:   core.NewFuse(),
	}

	var engines []transform.TransformEngine
	if params.Translation != nil {
		engines = append(engines, params.Translation)
	}
	if params.RED != nil {
		redParams := *params.RED
		if redParams.Logger == nil {
			redParams.Logger = params.Logger
		}
		engines = append(engines, red.NewEngine(redParams))
	}
	if params.Discard != nil {
		discardParams := *params.Discard
		if discardParams.Logger == nil {
			discardParams.Logger = params.Logger
		}
		d, err := discard.NewEngine(discardParams)
		if err != nil {
			return nil, err
		}
		engines = append(engines, d)
	}
	if params.NACK != nil {
		if s.executor == nil {
			s.executor = recurring.NewExecutor(recurring.ExecutorParams{Name: "nack", Logger: params.Logger})
			s.ownExecutor = true
		}
		nackParams := *params.NACK
		nackParams.Injector = s
		nackParams.OnWork = s.executor.Wake
		if nackParams.Logger == nil {
			nackParams.Logger = params.Logger
		}
		s.nack = nack.NewEngine(nackParams)
		engines = append(engines, s.nack)
	}
	if params.SRTP != nil {
		engines = append(engines, params.SRTP)
	}
	engines = append(engines, params.Engines...)

	chain, err := transform.NewChain(engines...)
	if err != nil {
		if s.ownExecutor {
			s.executor.Close()
		}
		return nil, err
	}
	s.chain = chain

	// create all transformers up front
	chain.RTPTransformer()
	chain.RTCPTransformer()

	if s.nack != nil {
		s.executor.Register(s.nack)
	}
	return s, nil
}

func (s *Stream) Chain() *transform.Chain {
	return s.chain
}

// NACK returns the retransmission requester, nil when NACK is disabled.
func (s *Stream) NACK() *nack.Requester {
	if s.nack == nil {
		return nil
	}
	return s.nack.Requester()
}

// HandleIncoming runs one received datagram through the pipeline. b is transformed in place.
func (s *Stream) HandleIncoming(b []byte) error {
	if s.closed.IsBroken() {
		return ErrStreamClosed
	}

	rtcp := packet.IsRTCP(b)
	kind := prometheus.KindRTP
	pt := s.chain.RTPTransformer()
	if rtcp {
		kind = prometheus.KindRTCP
		pt = s.chain.RTCPTransformer()
	}
	prometheus.IncrementPackets(prometheus.Incoming, kind, 1, uint64(len(b)))

	pkts := pt.ReverseTransform([]*packet.RawPacket{packet.NewRawPacketFromBytes(b)})
	if s.params.Handler == nil {
		return nil
	}
	for _, p := range pkts {
		if p != nil {
			s.params.Handler(p, rtcp)
		}
	}
	return nil
}

// WriteRTP protects and sends an RTP packet. b may be modified in place.
func (s *Stream) WriteRTP(b []byte) error {
	return s.write(packet.NewRawPacketFromBytes(b), false, nil)
}

// WriteRTCP protects and sends an RTCP packet. b may be modified in place.
func (s *Stream) WriteRTCP(b []byte) error {
	return s.write(packet.NewRawPacketFromBytes(b), true, nil)
}

// InjectPacket sends a packet generated inside the pipeline through the engines following after.
func (s *Stream) InjectPacket(pkt *packet.RawPacket, data bool, after transform.TransformEngine) error {
	return s.write(pkt, !data, after)
}

func (s *Stream) write(p *packet.RawPacket, rtcp bool, after transform.TransformEngine) error {
	if s.closed.IsBroken() {
		return ErrStreamClosed
	}
	if s.params.Connector == nil {
		return ErrNoConnector
	}

	pkts := []*packet.RawPacket{p}
	if after != nil {
		pkts = s.chain.TransformAfter(pkts, after, rtcp)
	} else if rtcp {
		pkts = s.chain.RTCPTransformer().Transform(pkts)
	} else {
		pkts = s.chain.RTPTransformer().Transform(pkts)
	}

	kind := prometheus.KindRTP
	if rtcp {
		kind = prometheus.KindRTCP
	}

	var err error
	for _, p := range pkts {
		if p == nil {
			continue
		}
		prometheus.IncrementPackets(prometheus.Outgoing, kind, 1, uint64(p.Length()))
		err = multierr.Append(err, s.params.Connector.Send(p.Bytes(), rtcp))
	}
	return err
}

// Close tears down the chain and the requester. Only the first call has an effect.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Break()
		if s.nack != nil {
			s.executor.Deregister(s.nack)
		}
		if s.ownExecutor {
			s.executor.Close()
		}
		err = s.chain.Close()
		s.params.Logger.Debugw("stream closed")
	})
	return err
}
