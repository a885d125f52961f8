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
	"github.com/livekit/protocol/logger"
	"github.com/pion/srtp/v2"
	"go.uber.org/multierr"

	"github.com/livekit/media-transform/pkg/transform"
)

// Factories holds the context factories of one packet kind.
type Factories struct {
	Forward ContextFactory
	Reverse ContextFactory
}

type EngineParams struct {
	SRTP   Factories
	SRTCP  Factories
	Logger logger.Logger
}

// Engine protects RTP with SRTP and RTCP with SRTCP.
type Engine struct {
	srtp  *Transformer
	srtcp *Transformer
}

func NewEngine(params EngineParams) *Engine {
	return &Engine{
		srtp: NewTransformer(TransformerParams{
			Forward: params.SRTP.Forward,
			Reverse: params.SRTP.Reverse,
			Logger:  params.Logger,
		}),
		srtcp: NewTransformer(TransformerParams{
			Forward: params.SRTCP.Forward,
			Reverse: params.SRTCP.Reverse,
			Control: true,
			Logger:  params.Logger,
		}),
	}
}

type SessionKeys struct {
	Local  Keys
	Remote Keys
}

// NewEngineFromKeys builds an engine protecting outbound packets with the local keys
// and unprotecting inbound packets with the remote keys.
func NewEngineFromKeys(keys SessionKeys, profile srtp.ProtectionProfile, replayWindow uint, lgr logger.Logger) (*Engine, error) {
	var params EngineParams
	params.Logger = lgr
	for _, f := range []struct {
		keys    Keys
		control bool
		replay  uint
		dst     *ContextFactory
	}{
		{keys.Local, false, 0, &params.SRTP.Forward},
		{keys.Remote, false, replayWindow, &params.SRTP.Reverse},
		{keys.Local, true, 0, &params.SRTCP.Forward},
		{keys.Remote, true, replayWindow, &params.SRTCP.Reverse},
	} {
		factory, err := NewKeyFactory(KeyFactoryParams{
			Keys:         f.keys,
			Profile:      profile,
			ReplayWindow: f.replay,
			Control:      f.control,
		})
		if err != nil {
			return nil, err
		}
		*f.dst = factory
	}
	return NewEngine(params), nil
}

func (e *Engine) RTPTransformer() transform.PacketTransformer {
	return e.srtp
}

func (e *Engine) RTCPTransformer() transform.PacketTransformer {
	return e.srtcp
}

// UpdateFactories swaps in new factories on rekey. A nil factory leaves that one in place.
func (e *Engine) UpdateFactories(rtp, rtcp Factories) error {
	var err error
	for _, u := range []struct {
		t       *Transformer
		f       ContextFactory
		forward bool
	}{
		{e.srtp, rtp.Forward, true},
		{e.srtp, rtp.Reverse, false},
		{e.srtcp, rtcp.Forward, true},
		{e.srtcp, rtcp.Reverse, false},
	} {
		if u.f != nil {
			err = multierr.Append(err, u.t.UpdateFactory(u.f, u.forward))
		}
	}
	return err
}

func (e *Engine) Close() error {
	return multierr.Append(e.srtp.Close(), e.srtcp.Close())
}
