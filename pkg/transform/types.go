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
	"errors"

	"github.com/livekit/media-transform/pkg/packet"
)

var (
	ErrDuplicateEngine = errors.New("engine already in chain")
	ErrEngineNotFound  = errors.New("engine not in chain")
)

// PacketTransformer transforms arrays of packets. An entry set to nil is a dropped packet,
// and transformers skip nil entries.
//
// Transform is applied to outbound packets, ReverseTransform to inbound packets.
type PacketTransformer interface {
	Transform(pkts []*packet.RawPacket) []*packet.RawPacket
	ReverseTransform(pkts []*packet.RawPacket) []*packet.RawPacket
	Close() error
}

// TransformEngine contributes a transformer for RTP and RTCP. Either may be nil.
type TransformEngine interface {
	RTPTransformer() PacketTransformer
	RTCPTransformer() PacketTransformer
}

// PacketHandler transforms a single packet, returning nil to drop it.
type PacketHandler func(p *packet.RawPacket) *packet.RawPacket

// SinglePacketTransformer is a PacketTransformer applying handlers packet by packet.
// A nil handler passes packets through.
type SinglePacketTransformer struct {
	OnTransform        PacketHandler
	OnReverseTransform PacketHandler
	OnClose            func() error
}

func (s *SinglePacketTransformer) Transform(pkts []*packet.RawPacket) []*packet.RawPacket {
	return apply(pkts, s.OnTransform)
}

func (s *SinglePacketTransformer) ReverseTransform(pkts []*packet.RawPacket) []*packet.RawPacket {
	return apply(pkts, s.OnReverseTransform)
}

func (s *SinglePacketTransformer) Close() error {
	if s.OnClose == nil {
		return nil
	}
	return s.OnClose()
}

func apply(pkts []*packet.RawPacket, handler PacketHandler) []*packet.RawPacket {
	if handler == nil {
		return pkts
	}
	for i, p := range pkts {
		if p != nil {
			pkts[i] = handler(p)
		}
	}
	return pkts
}

// HasLive reports whether any packet survived.
func HasLive(pkts []*packet.RawPacket) bool {
	for _, p := range pkts {
		if p != nil {
			return true
		}
	}
	return false
}

// Live drops the nil entries.
func Live(pkts []*packet.RawPacket) []*packet.RawPacket {
	live := pkts[:0]
	for _, p := range pkts {
		if p != nil {
			live = append(live, p)
		}
	}
	return live
}
