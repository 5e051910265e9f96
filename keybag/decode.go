package keybag

import (
	"encoding/binary"
	"fmt"

	"github.com/google/logger"

	"github.com/dunhamsteve/iosprotect/encoding/tlv"
)

var be = binary.BigEndian

// decoder groups the flat chunk stream into class key records. current is the
// record being assembled; it is committed when the next UUID arrives and once
// more at the end of the stream.
type decoder struct {
	kb      *Keybag
	current *ClassKey
}

// Decode parses a binary keybag. It always returns a best-effort keybag; the
// error is ErrMalformedKeybag when the chunk stream is truncated or holds no
// class keys. Out of range types and repeated attributes only add warnings.
func Decode(data []byte) (*Keybag, error) {
	d := decoder{kb: newKeybag()}
	s := tlv.NewScanner(data)
	for s.Scan() {
		d.chunk(s.Tag(), s.Value())
	}
	d.commit()

	kb := d.kb
	for _, w := range kb.Warnings {
		logger.Warningf("keybag: %s", w)
	}
	if err := s.Err(); err != nil {
		return kb, fmt.Errorf("%w: %v", ErrMalformedKeybag, err)
	}
	if len(kb.Keys) == 0 {
		return kb, fmt.Errorf("%w: no class keys", ErrMalformedKeybag)
	}
	return kb, nil
}

func (d *decoder) chunk(tag string, value []byte) {
	kb := d.kb
	attr := newAttribute(value)

	switch {
	case tag == "TYPE":
		kb.Type = Kind(attr.Int)
		if !attr.IsInt {
			kb.warnf("TYPE is %d bytes, want 4", len(value))
		} else if !kb.Type.Valid() {
			kb.warnf("keybag type %d > 2", attr.Int)
		}
	case tag == "UUID" && kb.UUID == nil:
		kb.UUID = value
	case tag == "WRAP" && !kb.HasWrap:
		kb.Wrap = WrapMethod(attr.Int)
		kb.HasWrap = true
	case tag == "UUID":
		d.commit()
		d.current = &ClassKey{UUID: value}
	case d.current != nil && classTags[tag]:
		d.classField(tag, attr)
	default:
		if _, dup := kb.Attributes[tag]; dup {
			kb.warnf("repeated attribute %s", tag)
		}
		kb.Attributes[tag] = attr
	}
}

var classTags = map[string]bool{"CLAS": true, "WRAP": true, "KTYP": true, "WPKY": true}

// classField stores a class key tag on the current record.
func (d *decoder) classField(tag string, attr Attribute) {
	ck := d.current
	switch tag {
	case "CLAS":
		ck.Class = attr.Int
		ck.hasClass = true
	case "WRAP":
		ck.Wrap = WrapMethod(attr.Int)
	case "KTYP":
		ck.KeyType = attr.Int
	case "WPKY":
		ck.WrappedKey = attr.Bytes
	}
}

func (d *decoder) commit() {
	ck := d.current
	if ck == nil {
		return
	}
	d.current = nil
	if !ck.hasClass {
		d.kb.warnf("class key %s has no CLAS, dropped", formatUUID(ck.UUID))
		return
	}
	if _, dup := d.kb.Keys[ck.Class]; dup {
		d.kb.warnf("class %d appears more than once", ck.Class)
	}
	d.kb.Keys[ck.Class] = ck
}
