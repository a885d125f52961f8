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
	"errors"
	"sync"

	"github.com/pion/srtp/v2"

	"github.com/livekit/media-transform/pkg/packet"
)

var (
	ErrFactoryClosed  = errors.New("context factory closed")
	ErrContextClosed  = errors.New("crypto context closed")
	ErrInvalidKeys    = errors.New("master key or salt length does not match protection profile")
	ErrUnknownProfile = errors.New("unknown SRTP protection profile")
)

// maxTrailerSize covers the largest auth tag plus the SRTCP index.
const maxTrailerSize = 16 + 4

// Context is the crypto state of one SSRC in one direction.
type Context interface {
	SSRC() uint32
	// Transform protects the packet in place.
	Transform(p *packet.RawPacket) error
	// ReverseTransform verifies, replay checks and decrypts the packet in place.
	ReverseTransform(p *packet.RawPacket) error
	Close() error
}

// ContextFactory derives crypto contexts, e.g. from the result of a key exchange.
type ContextFactory interface {
	DeriveContext(ssrc uint32) (Context, error)
	Close() error
}

// pionContext wraps a pion context, which keeps the rollover counter / SRTCP index
// and replay window of the SSRC. pion contexts are not safe for concurrent use.
type pionContext struct {
	ssrc    uint32
	control bool

	lock   sync.Mutex
	ctx    *srtp.Context
	closed bool
}

func (c *pionContext) SSRC() uint32 {
	return c.ssrc
}

func (c *pionContext) Transform(p *packet.RawPacket) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return ErrContextClosed
	}

	p.Grow(maxTrailerSize)
	var (
		out []byte
		err error
	)
	if c.control {
		out, err = c.ctx.EncryptRTCP(p.Bytes(), p.Bytes(), nil)
	} else {
		out, err = c.ctx.EncryptRTP(p.Bytes(), p.Bytes(), nil)
	}
	if err != nil {
		return err
	}
	p.SetBytes(out)
	return nil
}

func (c *pionContext) ReverseTransform(p *packet.RawPacket) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return ErrContextClosed
	}

	var (
		out []byte
		err error
	)
	if c.control {
		out, err = c.ctx.DecryptRTCP(p.Bytes(), p.Bytes(), nil)
	} else {
		out, err = c.ctx.DecryptRTP(p.Bytes(), p.Bytes(), nil)
	}
	if err != nil {
		return err
	}
	p.SetBytes(out)
	return nil
}

func (c *pionContext) Close() error {
	c.lock.Lock()
	c.closed = true
	c.ctx = nil
	c.lock.Unlock()
	return nil
}
