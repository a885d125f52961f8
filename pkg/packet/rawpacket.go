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
	FixedHeaderSize = 12
	Version2        = 2

	extensionHeaderSize = 4
)

type Flags uint8

const (
	// FlagDiscard marks a packet that a later stage should drop after observing it.
	FlagDiscard Flags = 1 << iota
	// FlagRetransmission marks a packet recovered by retransmission.
	FlagRetransmission
)

// RawPacket is a view of a single RTP or RTCP packet inside a possibly larger buffer.
// A RawPacket is owned by exactly one pipeline stage at a time.
type RawPacket struct {
	buffer []byte
	offset int
	length int

	Flags Flags
}

func NewRawPacket(buf []byte, offset, length int) (*RawPacket, error) {
	if !validBounds(buf, offset, length) {
		return nil, ErrInvalidBounds
	}
	return &RawPacket{buffer: buf, offset: offset, length: length}, nil
}

func NewRawPacketFromBytes(b []byte) *RawPacket {
	return &RawPacket{buffer: b, length: len(b)}
}

func validBounds(buf []byte, offset, length int) bool {
	return offset >= 0 && length >= 0 && offset+length <= len(buf)
}

func (p *RawPacket) Buffer() []byte {
	return p.buffer
}

func (p *RawPacket) Offset() int {
	return p.offset
}

func (p *RawPacket) Length() int {
	return p.length
}

// Bytes returns the packet region of the buffer. The slice aliases the buffer.
func (p *RawPacket) Bytes() []byte {
	return p.buffer[p.offset : p.offset+p.length]
}

func (p *RawPacket) SetOffset(offset int) error {
	if !validBounds(p.buffer, offset, p.length) {
		return ErrInvalidBounds
	}
	p.offset = offset
	return nil
}

func (p *RawPacket) SetLength(length int) error {
	if !validBounds(p.buffer, p.offset, length) {
		return ErrInvalidBounds
	}
	p.length = length
	return nil
}

func (p *RawPacket) SetBuffer(buf []byte, offset, length int) error {
	if !validBounds(buf, offset, length) {
		return ErrInvalidBounds
	}
	p.buffer = buf
	p.offset = offset
	p.length = length
	return nil
}

// SetBytes adopts b as the new packet contents. When b starts at the current packet
// offset inside the same backing array (the result of an in-place transform) only the
// length changes, otherwise b replaces the buffer.
func (p *RawPacket) SetBytes(b []byte) {
	if len(b) > 0 && p.offset < len(p.buffer) && &b[0] == &p.buffer[p.offset] && p.offset+len(b) <= cap(p.buffer) {
		if end := p.offset + len(b); end > len(p.buffer) {
			p.buffer = p.buffer[:end]
		}
		p.length = len(b)
		return
	}
	p.buffer = b
	p.offset = 0
	p.length = len(b)
}

// Grow ensures at least n writable bytes after the end of the packet,
// reallocating only when the backing array is too small.
func (p *RawPacket) Grow(n int) {
	end := p.offset + p.length
	if end+n <= len(p.buffer) {
		return
	}
	if end+n <= cap(p.buffer) {
		p.buffer = p.buffer[:end+n]
		return
	}

	buf := make([]byte, end+n, 2*(end+n))
	copy(buf, p.buffer[:end])
	p.buffer = buf
}

func (p *RawPacket) Append(b []byte) {
	p.Grow(len(b))
	copy(p.buffer[p.offset+p.length:], b)
	p.length += len(b)
}

func (p *RawPacket) Clone() *RawPacket {
	buf := make([]byte, p.length)
	copy(buf, p.Bytes())
	return &RawPacket{buffer: buf, length: p.length, Flags: p.Flags}
}

func (p *RawPacket) byteAt(i int) byte {
	if i >= p.length {
		return 0
	}
	return p.buffer[p.offset+i]
}

func (p *RawPacket) uint16At(i int) uint16 {
	if i+2 > p.length {
		return 0
	}
	return binary.BigEndian.Uint16(p.buffer[p.offset+i:])
}

func (p *RawPacket) uint32At(i int) uint32 {
	if i+4 > p.length {
		return 0
	}
	return binary.BigEndian.Uint32(p.buffer[p.offset+i:])
}

// ---------------------------------------------------
// RTP header accessors, RFC 3550 section 5.1

func (p *RawPacket) Version() uint8 {
	return p.byteAt(0) >> 6
}

func (p *RawPacket) HasPadding() bool {
	return p.byteAt(0)&0x20 != 0
}

func (p *RawPacket) HasExtension() bool {
	return p.byteAt(0)&0x10 != 0
}

func (p *RawPacket) CSRCCount() int {
	return int(p.byteAt(0) & 0x0f)
}

func (p *RawPacket) Marker() bool {
	return p.byteAt(1)&0x80 != 0
}

func (p *RawPacket) PayloadType() uint8 {
	return p.byteAt(1) & 0x7f
}

func (p *RawPacket) SetPayloadType(pt uint8) {
	if p.length < 2 {
		return
	}
	b := &p.buffer[p.offset+1]
	*b = (*b & 0x80) | (pt & 0x7f)
}

func (p *RawPacket) SequenceNumber() uint16 {
	return p.uint16At(2)
}

func (p *RawPacket) SetSequenceNumber(sn uint16) {
	if p.length < 4 {
		return
	}
	binary.BigEndian.PutUint16(p.buffer[p.offset+2:], sn)
}

func (p *RawPacket) Timestamp() uint32 {
	return p.uint32At(4)
}

func (p *RawPacket) SetTimestamp(ts uint32) {
	if p.length < 8 {
		return
	}
	binary.BigEndian.PutUint32(p.buffer[p.offset+4:], ts)
}

func (p *RawPacket) SSRC() uint32 {
	return p.uint32At(8)
}

func (p *RawPacket) SetSSRC(ssrc uint32) {
	if p.length < FixedHeaderSize {
		return
	}
	binary.BigEndian.PutUint32(p.buffer[p.offset+8:], ssrc)
}

// extensionOffset is the offset of the extension header, right after the CSRC list.
func (p *RawPacket) extensionOffset() int {
	return FixedHeaderSize + 4*p.CSRCCount()
}

// extensionLength is the length of the extension data in bytes, excluding the 4 byte extension header.
func (p *RawPacket) extensionLength() int {
	if !p.HasExtension() {
		return 0
	}
	return 4 * int(p.uint16At(p.extensionOffset()+2))
}

func (p *RawPacket) HeaderLength() int {
	length := p.extensionOffset()
	if p.HasExtension() {
		length += extensionHeaderSize + p.extensionLength()
	}
	return length
}

func (p *RawPacket) PayloadOffset() int {
	return p.offset + p.HeaderLength()
}

func (p *RawPacket) paddingSize() int {
	if !p.HasPadding() || p.length == 0 {
		return 0
	}
	return int(p.buffer[p.offset+p.length-1])
}

// PayloadLength excludes any padding.
func (p *RawPacket) PayloadLength() int {
	n := p.length - p.HeaderLength() - p.paddingSize()
	if n < 0 {
		return 0
	}
	return n
}

func (p *RawPacket) Payload() []byte {
	if p.HeaderLength() > p.length {
		return nil
	}
	start := p.PayloadOffset()
	return p.buffer[start : start+p.PayloadLength()]
}

func (p *RawPacket) Validate() error {
	if p.length < FixedHeaderSize {
		return ErrShortPacket
	}
	if p.Version() != Version2 {
		return ErrBadVersion
	}
	if p.HasExtension() && p.extensionOffset()+extensionHeaderSize > p.length {
		return ErrBadHeaderLength
	}
	headerLength := p.HeaderLength()
	if headerLength > p.length {
		return ErrBadHeaderLength
	}
	if p.HasPadding() {
		padding := p.paddingSize()
		if padding == 0 || headerLength+padding > p.length {
			return ErrBadPadding
		}
	}
	return nil
}

func (p *RawPacket) IsRTPValid() bool {
	return p.Validate() == nil
}
