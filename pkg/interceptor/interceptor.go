// Copyright 2024 LiveKit, Inc.
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

package interceptor

import (
	"io"

	"github.com/livekit/protocol/logger"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/livekit/media-transform/pkg/packet"
	"github.com/livekit/media-transform/pkg/transform"
)

// ChainInterceptorFactory places a transform chain inside a pion interceptor registry.
// The chain sees plaintext packets, SRTP is left to the peer connection.
type ChainInterceptorFactory struct {
	chain  *transform.Chain
	logger logger.Logger
}

func NewChainInterceptorFactory(chain *transform.Chain, lgr logger.Logger) *ChainInterceptorFactory {
	if lgr == nil {
		lgr = logger.GetLogger()
	}
	return &ChainInterceptorFactory{
		chain:  chain,
		logger: lgr,
	}
}

func (f *ChainInterceptorFactory) NewInterceptor(id string) (interceptor.Interceptor, error) {
	return &ChainInterceptor{
		chain:  f.chain,
		logger: f.logger.WithValues("interceptorID", id),
	}, nil
}

type ChainInterceptor struct {
	interceptor.NoOp

	chain  *transform.Chain
	logger logger.Logger
}

func (c *ChainInterceptor) BindRemoteStream(info *interceptor.StreamInfo, reader interceptor.RTPReader) interceptor.RTPReader {
	return interceptor.RTPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		return c.readTransformed(b, a, reader.Read, c.chain.RTPTransformer())
	})
}

func (c *ChainInterceptor) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	return interceptor.RTCPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		return c.readTransformed(b, a, reader.Read, c.chain.RTCPTransformer())
	})
}

// readTransformed reads until a packet survives the reverse transform. Only the first
// surviving packet of a read is delivered.
func (c *ChainInterceptor) readTransformed(
	b []byte,
	a interceptor.Attributes,
	read func([]byte, interceptor.Attributes) (int, interceptor.Attributes, error),
	pt transform.PacketTransformer,
) (int, interceptor.Attributes, error) {
	for {
		n, attr, err := read(b, a)
		if err != nil {
			return n, attr, err
		}

		pkts := transform.Live(pt.ReverseTransform([]*packet.RawPacket{packet.NewRawPacketFromBytes(b[:n])}))
		if len(pkts) == 0 {
			continue
		}
		if len(pkts) > 1 {
			c.logger.Debugw("dropping extra transformed packets", "count", len(pkts)-1)
		}

		out := pkts[0].Bytes()
		if len(out) > len(b) {
			return 0, attr, io.ErrShortBuffer
		}
		return copy(b, out), scrubAttributes(attr), nil
	}
}

func (c *ChainInterceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, a interceptor.Attributes) (int, error) {
		buf := make([]byte, header.MarshalSize()+len(payload))
		n, err := header.MarshalTo(buf)
		if err != nil {
			return 0, err
		}
		copy(buf[n:], payload)

		var written int
		for _, p := range transform.Live(c.chain.RTPTransformer().Transform([]*packet.RawPacket{packet.NewRawPacketFromBytes(buf)})) {
			var h rtp.Header
			off, err := h.Unmarshal(p.Bytes())
			if err != nil {
				return written, err
			}
			w, err := writer.Write(&h, p.Bytes()[off:], a)
			written += w
			if err != nil {
				return written, err
			}
		}
		return written, nil
	})
}

func (c *ChainInterceptor) BindRTCPWriter(writer interceptor.RTCPWriter) interceptor.RTCPWriter {
	return interceptor.RTCPWriterFunc(func(pkts []rtcp.Packet, a interceptor.Attributes) (int, error) {
		b, err := rtcp.Marshal(pkts)
		if err != nil {
			return 0, err
		}

		var written int
		for _, p := range transform.Live(c.chain.RTCPTransformer().Transform([]*packet.RawPacket{packet.NewRawPacketFromBytes(b)})) {
			parsed, err := rtcp.Unmarshal(p.Bytes())
			if err != nil {
				return written, err
			}
			w, err := writer.Write(parsed, a)
			written += w
			if err != nil {
				return written, err
			}
		}
		return written, nil
	})
}

// scrubAttributes removes headers and packets parsed by earlier interceptors, they no
// longer match the transformed bytes.
func scrubAttributes(a interceptor.Attributes) interceptor.Attributes {
	if a == nil {
		return nil
	}
	scrubbed := make(interceptor.Attributes, len(a))
	for k, v := range a {
		switch v.(type) {
		case *rtp.Header, []rtcp.Packet:
			continue
		}
		scrubbed[k] = v
	}
	return scrubbed
}
