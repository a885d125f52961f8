package red

import (
	"encoding/binary"
	"errors"

	"github.com/livekit/protocol/logger"
)

var (
	ErrBlockTooLarge         = errors.New("red block longer than 1023 bytes")
	ErrTimestampOffsetTooBig = errors.New("red timestamp offset does not fit in 14 bits")
	ErrBufferTooSmall        = errors.New("red payload buffer too small")
)

/* RED payload https://datatracker.ietf.org/doc/html/rfc2198#section-3
	0                   1                    2                   3
    0 1 2 3 4 5 6 7 8 9 0 1 2 3  4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
   |F|   block PT  |  timestamp offset         |   block length    |
   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
   F: 1 bit First bit in header indicates whether another header block
       follows.  If 1 further header blocks follow, if 0 this is the
       last header block.

   The last header is a single byte, |0|   block PT  |, and the primary
   block takes the rest of the payload.
*/

const (
	redundantHeaderSize = 4
	primaryHeaderSize   = 1

	maxBlockLength     = 0x3ff
	maxTimestampOffset = 0x3fff
)

// Block locates one encoding inside a RED payload. Offset is relative to the start of the
// buffer the block was parsed from.
type Block struct {
	Offset          int
	Length          int
	PayloadType     uint8
	TimestampOffset uint32
}

func (b *Block) Bytes(buf []byte) []byte {
	return buf[b.Offset : b.Offset+b.Length]
}

// BlockIterator yields the blocks of a RED payload in order, primary block last.
type BlockIterator struct {
	buf []byte
	end int

	headerOffset int
	dataOffset   int
	remaining    int
}

// NewBlockIterator scans the block headers of the RED payload buf[offset:offset+length].
// A malformed header section gives an iterator without blocks.
func NewBlockIterator(buf []byte, offset, length int) *BlockIterator {
	it := &BlockIterator{
		buf:          buf,
		end:          offset + length,
		headerOffset: offset,
	}
	if offset < 0 || length <= 0 || it.end > len(buf) {
		logger.Warnw("invalid red payload bounds", nil, "offset", offset, "length", length, "bufferSize", len(buf))
		return it
	}

	blocks := 0
	pos := offset
	for {
		if pos >= it.end {
			logger.Warnw("incomplete red block header", nil, "offset", offset, "length", length)
			return it
		}
		blocks++
		if buf[pos]&0x80 == 0 {
			pos += primaryHeaderSize
			break
		}
		if pos+redundantHeaderSize > it.end {
			logger.Warnw("incomplete red block header", nil, "offset", offset, "length", length)
			return it
		}
		pos += redundantHeaderSize
	}

	it.dataOffset = pos
	it.remaining = blocks
	return it
}

func (it *BlockIterator) HasNext() bool {
	return it.remaining > 0
}

// Next returns the next block, or nil when the iterator is drained or the block
// does not fit the payload.
func (it *BlockIterator) Next() *Block {
	if it.remaining == 0 {
		return nil
	}
	it.remaining--

	if it.remaining == 0 {
		// primary
		block := &Block{
			Offset:      it.dataOffset,
			Length:      it.end - it.dataOffset,
			PayloadType: it.buf[it.headerOffset] & 0x7f,
		}
		if block.Length <= 0 {
			logger.Warnw("empty red primary block", nil, "dataOffset", it.dataOffset, "end", it.end)
			return nil
		}
		return block
	}

	header := binary.BigEndian.Uint32(it.buf[it.headerOffset:])
	block := &Block{
		Offset:          it.dataOffset,
		Length:          int(header & maxBlockLength),
		PayloadType:     uint8(header>>24) & 0x7f,
		TimestampOffset: (header >> 10) & maxTimestampOffset,
	}
	if block.Offset+block.Length > it.end {
		logger.Warnw("incomplete red block payload", nil, "blockLength", block.Length, "available", it.end-block.Offset)
		it.remaining = 0
		return nil
	}

	it.headerOffset += redundantHeaderSize
	it.dataOffset += block.Length
	return block
}

// IsMultiBlock reports whether the F bit of the first header is set.
func IsMultiBlock(buf []byte, offset, length int) bool {
	return length > 0 && offset >= 0 && offset < len(buf) && buf[offset]&0x80 != 0
}

// GetPrimaryBlock returns the primary encoding of a RED payload, or nil when the payload is malformed.
func GetPrimaryBlock(buf []byte, offset, length int) *Block {
	if offset < 0 || length <= 0 || offset+length > len(buf) {
		return nil
	}

	if !IsMultiBlock(buf, offset, length) {
		if length <= primaryHeaderSize {
			logger.Warnw("empty red primary block", nil, "offset", offset, "length", length)
			return nil
		}
		return &Block{
			Offset:      offset + primaryHeaderSize,
			Length:      length - primaryHeaderSize,
			PayloadType: buf[offset] & 0x7f,
		}
	}

	var last *Block
	it := NewBlockIterator(buf, offset, length)
	for it.HasNext() {
		if last = it.Next(); last == nil {
			return nil
		}
	}
	return last
}

// MatchFirst returns the first block accepted by match.
func MatchFirst(buf []byte, offset, length int, match func(b *Block) bool) *Block {
	it := NewBlockIterator(buf, offset, length)
	for it.HasNext() {
		b := it.Next()
		if b == nil {
			return nil
		}
		if match(b) {
			return b
		}
	}
	return nil
}

// ---------------------------------------------------

type Encoding struct {
	PayloadType     uint8
	TimestampOffset uint32
	Payload         []byte
}

// Encode writes a RED payload with the redundant encodings, oldest first, followed by the primary.
func Encode(dst []byte, redundant []Encoding, primary Encoding) (int, error) {
	size := primaryHeaderSize + len(primary.Payload)
	for _, enc := range redundant {
		if len(enc.Payload) > maxBlockLength {
			return 0, ErrBlockTooLarge
		}
		if enc.TimestampOffset > maxTimestampOffset {
			return 0, ErrTimestampOffsetTooBig
		}
		size += redundantHeaderSize + len(enc.Payload)
	}
	if size > len(dst) {
		return 0, ErrBufferTooSmall
	}

	var index int
	for _, enc := range redundant {
		header := uint32(0x80 | enc.PayloadType&0x7f)
		header <<= 14
		header |= enc.TimestampOffset & maxTimestampOffset
		header <<= 10
		header |= uint32(len(enc.Payload)) & maxBlockLength
		binary.BigEndian.PutUint32(dst[index:], header)
		index += redundantHeaderSize
	}
	// last block header
	dst[index] = primary.PayloadType & 0x7f
	index++

	for _, enc := range redundant {
		index += copy(dst[index:], enc.Payload)
	}
	index += copy(dst[index:], primary.Payload)
	return index, nil
}
