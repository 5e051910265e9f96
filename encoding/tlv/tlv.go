// Package tlv reads the tag-length-value chunks used by keybags.
//
// Each chunk is a four character tag, a big endian uint32 length and the value
// bytes.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var be = binary.BigEndian

// ErrTruncated is reported when a chunk header or value runs past the end of the buffer.
var ErrTruncated = errors.New("tlv: truncated chunk")

const headerSize = 8

// Chunk is a single tag/value pair.
type Chunk struct {
	Tag   string
	Value []byte
}

// Scanner walks the chunks of a buffer in order. Values alias the buffer.
//
//	s := tlv.NewScanner(data)
//	for s.Scan() {
//		use(s.Tag(), s.Value())
//	}
//	if err := s.Err(); err != nil { ... }
type Scanner struct {
	data  []byte
	pos   int
	chunk Chunk
	err   error
}

func NewScanner(data []byte) *Scanner {
	return &Scanner{data: data}
}

// Scan advances to the next chunk. It returns false at the end of the buffer or
// on the first malformed chunk.
func (s *Scanner) Scan() bool {
	if s.err != nil || s.pos >= len(s.data) {
		return false
	}
	if s.pos+headerSize > len(s.data) {
		s.err = fmt.Errorf("%w: header at offset %d", ErrTruncated, s.pos)
		return false
	}
	tag := string(s.data[s.pos : s.pos+4])
	size := int(be.Uint32(s.data[s.pos+4 : s.pos+8]))
	start := s.pos + headerSize
	if size < 0 || size > len(s.data)-start {
		s.err = fmt.Errorf("%w: %q wants %d bytes at offset %d", ErrTruncated, tag, size, start)
		return false
	}
	s.chunk = Chunk{Tag: tag, Value: s.data[start : start+size]}
	s.pos = start + size
	return true
}

func (s *Scanner) Tag() string   { return s.chunk.Tag }
func (s *Scanner) Value() []byte { return s.chunk.Value }
func (s *Scanner) Chunk() Chunk  { return s.chunk }
func (s *Scanner) Err() error    { return s.err }

// Chunks returns every chunk in data. On error the chunks read so far are returned.
func Chunks(data []byte) ([]Chunk, error) {
	var rval []Chunk
	s := NewScanner(data)
	for s.Scan() {
		rval = append(rval, s.Chunk())
	}
	return rval, s.Err()
}

// ToMap collapses the chunks of data into a map. Later tags overwrite earlier ones.
func ToMap(data []byte) (map[string][]byte, error) {
	rval := make(map[string][]byte)
	s := NewScanner(data)
	for s.Scan() {
		rval[s.Tag()] = s.Value()
	}
	return rval, s.Err()
}

// Append encodes a chunk onto buf. Tags must be exactly four bytes.
func Append(buf []byte, tag string, value []byte) []byte {
	if len(tag) != 4 {
		panic("tlv: tag must be four bytes: " + tag)
	}
	buf = append(buf, tag...)
	buf = be.AppendUint32(buf, uint32(len(value)))
	return append(buf, value...)
}

// AppendUint32 encodes a four byte big endian value.
func AppendUint32(buf []byte, tag string, v uint32) []byte {
	return Append(buf, tag, be.AppendUint32(nil, v))
}
