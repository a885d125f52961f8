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

package packet

import (
	"encoding/binary"
)

const (
	RTCPHeaderSize = 4

	RTCPTypeSenderReport   = 200
	RTCPTypeReceiverReport = 201
	RTCPTypeTransportFB    = 205

	senderReportTimestampOffset = 16
	senderReportMinSize         = 28
)

// IsRTCP demultiplexes RTP and RTCP sharing a port, RFC 5761 section 4.
func IsRTCP(buf []byte) bool {
	if len(buf) < RTCPHeaderSize+4 || buf[0]>>6 != Version2 {
		return false
	}
	return buf[1] >= 192 && buf[1] <= 223
}

func (p *RawPacket) IsRTCP() bool {
	return IsRTCP(p.Bytes())
}

func (p *RawPacket) RTCPPacketType() uint8 {
	return p.byteAt(1)
}

// RTCPSenderSSRC returns the SSRC of the sender of the first RTCP packet, the
// control SSRC used to key SRTCP contexts.
func (p *RawPacket) RTCPSenderSSRC() uint32 {
	return p.uint32At(4)
}

func (p *RawPacket) SetRTCPSenderSSRC(ssrc uint32) {
	if p.length < 8 {
		return
	}
	binary.BigEndian.PutUint32(p.buffer[p.offset+4:], ssrc)
}

func (p *RawPacket) IsRTCPSenderReport() bool {
	return p.length >= senderReportMinSize && p.Version() == Version2 && p.RTCPPacketType() == RTCPTypeSenderReport
}

func (p *RawPacket) SenderReportRTPTimestamp() uint32 {
	return p.uint32At(senderReportTimestampOffset)
}

func (p *RawPacket) SetSenderReportRTPTimestamp(ts uint32) {
	if p.length < senderReportTimestampOffset+4 {
		return
	}
	binary.BigEndian.PutUint32(p.buffer[p.offset+senderReportTimestampOffset:], ts)
}

// ForEachRTCP calls fn with each packet of a compound RTCP packet. Walking stops when fn
// returns false or at a length field that points beyond the buffer, in which case false is returned.
func ForEachRTCP(buf []byte, fn func(pkt []byte) bool) bool {
	for len(buf) > 0 {
		if len(buf) < RTCPHeaderSize || buf[0]>>6 != Version2 {
			return false
		}
		size := 4 * (int(binary.BigEndian.Uint16(buf[2:])) + 1)
		if size > len(buf) {
			return false
		}
		if !fn(buf[:size]) {
			return true
		}
		buf = buf[size:]
	}
	return true
}
