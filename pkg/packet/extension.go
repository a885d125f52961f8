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

	"github.com/livekit/protocol/logger"
)

const (
	// OneByteExtensionProfile is the RFC 5285 one-byte header extension profile.
	OneByteExtensionProfile = 0xBEDE

	maxOneByteExtensionID   = 14
	maxOneByteExtensionSize = 16
	extensionIDStop         = 15
)

type HeaderExtension struct {
	ID   uint8
	Data []byte
}

// ExtensionIterator walks the elements of a one-byte header extension block.
type ExtensionIterator struct {
	buf       []byte
	pos       int
	malformed bool
}

// Next returns the next element. ok is false at the end of the block or when the
// block is malformed, in which case Malformed reports true.
func (it *ExtensionIterator) Next() (id uint8, data []byte, ok bool) {
	for it.pos < len(it.buf) {
		b := it.buf[it.pos]
		if b == 0 {
			// padding
			it.pos++
			continue
		}

		id = b >> 4
		if id == extensionIDStop {
			it.pos = len(it.buf)
			return 0, nil, false
		}

		size := int(b&0x0f) + 1
		start := it.pos + 1
		if start+size > len(it.buf) {
			it.malformed = true
			it.pos = len(it.buf)
			return 0, nil, false
		}
		it.pos = start + size
		return id, it.buf[start : start+size], true
	}
	return 0, nil, false
}

func (it *ExtensionIterator) Malformed() bool {
	return it.malformed
}

// ExtensionProfile returns the "defined by profile" field, or 0 when no extension is present.
func (p *RawPacket) ExtensionProfile() uint16 {
	if !p.HasExtension() {
		return 0
	}
	return p.uint16At(p.extensionOffset())
}

// HeaderExtensions returns an iterator over the one-byte extension elements. The iterator
// is empty when there is no one-byte extension block.
func (p *RawPacket) HeaderExtensions() *ExtensionIterator {
	it := &ExtensionIterator{}
	if p.ExtensionProfile() != OneByteExtensionProfile {
		return it
	}

	start := p.extensionOffset() + extensionHeaderSize
	end := start + p.extensionLength()
	if end > p.length {
		it.malformed = true
		return it
	}
	it.buf = p.buffer[p.offset+start : p.offset+end]
	return it
}

// GetHeaderExtension returns the data of the first one-byte extension element with the given id,
// or nil if there is none.
func (p *RawPacket) GetHeaderExtension(id uint8) []byte {
	if id == 0 || id > maxOneByteExtensionID {
		return nil
	}

	it := p.HeaderExtensions()
	for {
		eid, data, ok := it.Next()
		if !ok {
			break
		}
		if eid == id {
			return data
		}
	}
	if it.Malformed() {
		logger.Debugw("malformed header extension block", "ssrc", p.SSRC(), "sn", p.SequenceNumber())
	}
	return nil
}

// AddHeaderExtension sets a one-byte header extension element, replacing an element
// with the same id. The payload is moved to make room, growing the buffer if needed.
func (p *RawPacket) AddHeaderExtension(id uint8, data []byte) error {
	if id == 0 || id > maxOneByteExtensionID {
		return ErrInvalidExtensionID
	}
	if len(data) == 0 || len(data) > maxOneByteExtensionSize {
		return ErrExtensionTooLarge
	}
	if p.length < FixedHeaderSize || p.HeaderLength() > p.length {
		return ErrShortPacket
	}

	var extensions []HeaderExtension
	oldSize := 0
	if p.HasExtension() {
		if p.ExtensionProfile() != OneByteExtensionProfile {
			return ErrUnsupportedProfile
		}
		it := p.HeaderExtensions()
		for {
			eid, edata, ok := it.Next()
			if !ok {
				break
			}
			if eid != id {
				extensions = append(extensions, HeaderExtension{ID: eid, Data: append([]byte(nil), edata...)})
			}
		}
		if it.Malformed() {
			return ErrMalformedExtensions
		}
		oldSize = extensionHeaderSize + p.extensionLength()
	}
	extensions = append(extensions, HeaderExtension{ID: id, Data: data})

	p.replaceExtensionBlock(marshalOneByteExtensions(extensions), oldSize)
	return nil
}

func marshalOneByteExtensions(extensions []HeaderExtension) []byte {
	size := 0
	for _, ext := range extensions {
		size += 1 + len(ext.Data)
	}
	padded := (size + 3) &^ 3

	block := make([]byte, extensionHeaderSize+padded)
	binary.BigEndian.PutUint16(block, OneByteExtensionProfile)
	binary.BigEndian.PutUint16(block[2:], uint16(padded/4))
	pos := extensionHeaderSize
	for _, ext := range extensions {
		block[pos] = ext.ID<<4 | uint8(len(ext.Data)-1)
		copy(block[pos+1:], ext.Data)
		pos += 1 + len(ext.Data)
	}
	return block
}

// replaceExtensionBlock swaps the oldSize bytes after the CSRC list for block and sets the X bit.
func (p *RawPacket) replaceExtensionBlock(block []byte, oldSize int) {
	delta := len(block) - oldSize
	if delta > 0 {
		p.Grow(delta)
	}

	start := p.offset + p.extensionOffset()
	end := p.offset + p.length
	copy(p.buffer[start+len(block):end+delta], p.buffer[start+oldSize:end])
	copy(p.buffer[start:], block)
	p.length += delta
	p.buffer[p.offset] |= 0x10
}
