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

package transform

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/livekit/media-transform/pkg/packet"
)

// Chain composes engines into one pipeline. Outbound packets go through the engines in
// order, inbound packets in reverse order.
//
// The engine list is an immutable snapshot, replaced wholesale on every change, so a
// packet array is always processed against a single version of the chain.
type Chain struct {
	lock    sync.Mutex
	engines atomic.Pointer[[]TransformEngine]

	rtpOnce  sync.Once
	rtp      *ChainTransformer
	rtcpOnce sync.Once
	rtcp     *ChainTransformer
}

func NewChain(engines ...TransformEngine) (*Chain, error) {
	c := &Chain{}
	c.engines.Store(&[]TransformEngine{})
	for _, e := range engines {
		if err := c.AddEngine(e); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Engines returns the current snapshot. It must not be modified.
func (c *Chain) Engines() []TransformEngine {
	return *c.engines.Load()
}

// AddEngine appends engine to the end of the chain.
func (c *Chain) AddEngine(engine TransformEngine) error {
	if engine == nil {
		panic("transform: nil engine")
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	engines := *c.engines.Load()
	if indexOf(engines, engine) >= 0 {
		return ErrDuplicateEngine
	}

	updated := make([]TransformEngine, 0, len(engines)+1)
	updated = append(updated, engines...)
	updated = append(updated, engine)
	c.engines.Store(&updated)
	return nil
}

// AddEngineAfter inserts engine right after another engine, or at the head when after is nil.
func (c *Chain) AddEngineAfter(engine, after TransformEngine) error {
	if engine == nil {
		panic("transform: nil engine")
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	engines := *c.engines.Load()
	if indexOf(engines, engine) >= 0 {
		return ErrDuplicateEngine
	}

	at := 0
	if after != nil {
		idx := indexOf(engines, after)
		if idx < 0 {
			return ErrEngineNotFound
		}
		at = idx + 1
	}

	updated := make([]TransformEngine, 0, len(engines)+1)
	updated = append(updated, engines[:at]...)
	updated = append(updated, engine)
	updated = append(updated, engines[at:]...)
	c.engines.Store(&updated)
	return nil
}

func (c *Chain) RTPTransformer() PacketTransformer {
	return c.RTPChain()
}

func (c *Chain) RTCPTransformer() PacketTransformer {
	return c.RTCPChain()
}

// RTPChain returns the RTP pipeline. It is created on first use, which also creates the
// RTP transformer of every engine in the chain.
func (c *Chain) RTPChain() *ChainTransformer {
	c.rtpOnce.Do(func() {
		c.rtp = newChainTransformer(c, rtpTransformerOf)
	})
	return c.rtp
}

func (c *Chain) RTCPChain() *ChainTransformer {
	c.rtcpOnce.Do(func() {
		c.rtcp = newChainTransformer(c, rtcpTransformerOf)
	})
	return c.rtcp
}

// TransformAfter runs the outbound pipeline starting at the engine following after.
// The whole pipeline runs when after is nil or not in the chain.
func (c *Chain) TransformAfter(pkts []*packet.RawPacket, after TransformEngine, rtcp bool) []*packet.RawPacket {
	if rtcp {
		return c.RTCPChain().TransformAfter(pkts, after)
	}
	return c.RTPChain().TransformAfter(pkts, after)
}

func (c *Chain) Close() error {
	if c == nil {
		return nil
	}
	return multierr.Append(c.RTPChain().Close(), c.RTCPChain().Close())
}

func indexOf(engines []TransformEngine, engine TransformEngine) int {
	for i, e := range engines {
		if e == engine {
			return i
		}
	}
	return -1
}

func rtpTransformerOf(e TransformEngine) PacketTransformer {
	return e.RTPTransformer()
}

func rtcpTransformerOf(e TransformEngine) PacketTransformer {
	return e.RTCPTransformer()
}

// ---------------------------------------------------

// ChainTransformer runs one packet kind through every engine of a chain.
type ChainTransformer struct {
	chain       *Chain
	transformer func(TransformEngine) PacketTransformer
	closed      atomic.Bool
}

func newChainTransformer(chain *Chain, transformer func(TransformEngine) PacketTransformer) *ChainTransformer {
	t := &ChainTransformer{
		chain:       chain,
		transformer: transformer,
	}
	for _, e := range chain.Engines() {
		transformer(e)
	}
	return t
}

func (t *ChainTransformer) Transform(pkts []*packet.RawPacket) []*packet.RawPacket {
	return t.TransformAfter(pkts, nil)
}

func (t *ChainTransformer) TransformAfter(pkts []*packet.RawPacket, after TransformEngine) []*packet.RawPacket {
	engines := t.chain.Engines()
	if after != nil {
		if idx := indexOf(engines, after); idx >= 0 {
			engines = engines[idx+1:]
		}
	}

	for _, e := range engines {
		pt := t.transformer(e)
		if pt == nil {
			continue
		}
		pkts = pt.Transform(pkts)
		if !HasLive(pkts) {
			return nil
		}
	}
	return pkts
}

func (t *ChainTransformer) ReverseTransform(pkts []*packet.RawPacket) []*packet.RawPacket {
	engines := t.chain.Engines()
	for i := len(engines) - 1; i >= 0; i-- {
		pt := t.transformer(engines[i])
		if pt == nil {
			continue
		}
		pkts = pt.ReverseTransform(pkts)
		if !HasLive(pkts) {
			return nil
		}
	}
	return pkts
}

// Close closes the transformer of every engine. Only the first call has an effect.
func (t *ChainTransformer) Close() error {
	if t == nil || !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	for _, e := range t.chain.Engines() {
		if pt := t.transformer(e); pt != nil {
			err = multierr.Append(err, pt.Close())
		}
	}
	return err
}
