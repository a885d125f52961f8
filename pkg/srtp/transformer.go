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

package srtp

import (
	"sync"

	"github.com/livekit/protocol/logger"
	"go.uber.org/multierr"

	"github.com/livekit/media-transform/pkg/packet"
	"github.com/livekit/media-transform/pkg/telemetry/prometheus"
)

const minRTCPSize = 8

type TransformerParams struct {
	// Forward derives contexts protecting outbound packets.
	Forward ContextFactory
	// Reverse derives contexts unprotecting inbound packets.
	Reverse ContextFactory
	// Control makes the transformer handle SRTCP, keyed by the RTCP sender SSRC.
	Control bool
	Logger  logger.Logger
}

// Transformer protects and unprotects packets with one crypto context per SSRC and direction.
// Packets without a context, or failing authentication or replay checks, are dropped.
type Transformer struct {
	params TransformerParams

	lock           sync.Mutex
	forwardFactory ContextFactory
	reverseFactory ContextFactory
	forward        map[uint32]Context
	reverse        map[uint32]Context
	closed         bool
}

func NewTransformer(params TransformerParams) *Transformer {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	kind := "srtp"
	if params.Control {
		kind = "srtcp"
	}
	params.Logger = params.Logger.WithValues("transformer", kind)

	return &Transformer{
		params:         params,
		forwardFactory: params.Forward,
		reverseFactory: params.Reverse,
		forward:        make(map[uint32]Context),
		reverse:        make(map[uint32]Context),
	}
}

func (t *Transformer) ssrcOf(p *packet.RawPacket) (uint32, bool) {
	if t.params.Control {
		return p.RTCPSenderSSRC(), p.Length() >= minRTCPSize
	}
	return p.SSRC(), p.Length() >= packet.FixedHeaderSize
}

// GetContext returns the context of the packet's SSRC, deriving it on first use.
// It returns nil when no factory is configured for the direction or derivation fails.
func (t *Transformer) GetContext(p *packet.RawPacket, forward bool) Context {
	ssrc, ok := t.ssrcOf(p)
	if !ok {
		return nil
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	contexts, factory := t.reverse, t.reverseFactory
	if forward {
		contexts, factory = t.forward, t.forwardFactory
	}
	if ctx, ok := contexts[ssrc]; ok {
		return ctx
	}
	if factory == nil {
		return nil
	}

	ctx, err := factory.DeriveContext(ssrc)
	if err != nil {
		t.params.Logger.Warnw("could not derive crypto context", err, "ssrc", ssrc, "forward", forward)
		return nil
	}
	contexts[ssrc] = ctx
	return ctx
}

func (t *Transformer) Transform(pkts []*packet.RawPacket) []*packet.RawPacket {
	for i, p := range pkts {
		if p != nil {
			pkts[i] = t.transformPacket(p, true)
		}
	}
	return pkts
}

func (t *Transformer) ReverseTransform(pkts []*packet.RawPacket) []*packet.RawPacket {
	for i, p := range pkts {
		if p != nil {
			pkts[i] = t.transformPacket(p, false)
		}
	}
	return pkts
}

func (t *Transformer) transformPacket(p *packet.RawPacket, forward bool) *packet.RawPacket {
	ctx := t.GetContext(p, forward)
	if ctx == nil {
		prometheus.IncrementDrop(prometheus.DropReasonNoContext)
		return nil
	}

	var err error
	if forward {
		err = ctx.Transform(p)
	} else {
		err = ctx.ReverseTransform(p)
	}
	if err != nil {
		// routine under loss, reordering or attack
		t.params.Logger.Debugw("dropping packet", "error", err, "ssrc", ctx.SSRC(), "forward", forward)
		prometheus.IncrementDrop(prometheus.DropReasonCrypto)
		return nil
	}
	return p
}

// UpdateFactory replaces the forward or reverse factory, closing the previous one.
// Contexts derived so far are kept until Close.
func (t *Transformer) UpdateFactory(factory ContextFactory, forward bool) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed {
		return ErrFactoryClosed
	}

	var old ContextFactory
	if forward {
		old, t.forwardFactory = t.forwardFactory, factory
	} else {
		old, t.reverseFactory = t.reverseFactory, factory
	}
	if old != nil && old != factory {
		return old.Close()
	}
	return nil
}

// Close closes both factories and every context. The transformer cannot be used afterwards.
func (t *Transformer) Close() error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var err error
	if t.forwardFactory != nil {
		err = multierr.Append(err, t.forwardFactory.Close())
	}
	if t.reverseFactory != nil && t.reverseFactory != t.forwardFactory {
		err = multierr.Append(err, t.reverseFactory.Close())
	}
	t.forwardFactory = nil
	t.reverseFactory = nil

	for _, contexts := range []map[uint32]Context{t.forward, t.reverse} {
		for ssrc, ctx := range contexts {
			err = multierr.Append(err, ctx.Close())
			delete(contexts, ssrc)
		}
	}
	return err
}
