// Package keybag decodes and unlocks data protection keybags.
//
// A keybag is a flat run of tagged chunks. The leading chunks describe the
// keybag itself (VERS, TYPE, UUID, HMCK, WRAP, SALT, ITER, ...). Every later
// UUID chunk opens a class key record made of CLAS, WRAP, KTYP and WPKY.
//
// This has been run against keybags from Manifest.plist in iOS backups and
// against the KeyBagKeys blob of the system keybag file.
package keybag

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
)

// Kind is the keybag TYPE attribute.
type Kind uint32

const (
	System Kind = iota
	Backup
	Escrow
)

var kindNames = []string{"System", "Backup", "Escrow"}

func (k Kind) Valid() bool { return k <= Escrow }

func (k Kind) String() string {
	if k.Valid() {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint32(k))
}

// WrapMethod is the WRAP bitmask of a class key.
type WrapMethod uint32

const (
	WrapDevice   WrapMethod = 1 // needs the device key (0x835)
	WrapPasscode WrapMethod = 2 // needs the passcode derived key
)

type wrapMode int

const (
	wrapNone wrapMode = iota
	wrapPasscodeOnly
	wrapDeviceOnly
	wrapBoth
)

func (w WrapMethod) mode() wrapMode {
	switch w & (WrapDevice | WrapPasscode) {
	case WrapPasscode:
		return wrapPasscodeOnly
	case WrapDevice:
		return wrapDeviceOnly
	case WrapDevice | WrapPasscode:
		return wrapBoth
	}
	return wrapNone
}

func (w WrapMethod) String() string {
	switch w.mode() {
	case wrapPasscodeOnly:
		return "passcode"
	case wrapDeviceOnly:
		return "device"
	case wrapBoth:
		return "passcode+device"
	}
	return "none"
}

// Attribute is a decoded chunk value. Four byte values are also read as a big
// endian uint32.
type Attribute struct {
	Bytes []byte
	Int   uint32
	IsInt bool
}

func newAttribute(value []byte) Attribute {
	a := Attribute{Bytes: value}
	if len(value) == 4 {
		a.Int = be.Uint32(value)
		a.IsInt = true
	}
	return a
}

func (a Attribute) String() string {
	if a.IsInt {
		return strconv.FormatUint(uint64(a.Int), 10)
	}
	return hex.EncodeToString(a.Bytes)
}

// ClassKey is one protection class's wrapped key.
type ClassKey struct {
	UUID       []byte
	Class      uint32
	Wrap       WrapMethod
	KeyType    uint32
	WrappedKey []byte

	hasClass bool
	key      []byte
}

// Key returns the resolved class key, or nil while the class is locked.
func (ck *ClassKey) Key() []byte { return ck.key }

func (ck *ClassKey) Resolved() bool { return ck.key != nil }

type Keybag struct {
	Type Kind
	UUID []byte

	// Wrap is the keybag level WRAP value, valid when HasWrap is set.
	Wrap    WrapMethod
	HasWrap bool

	// Attributes holds every keybag level chunk other than TYPE, UUID and WRAP.
	Attributes map[string]Attribute
	Keys       map[uint32]*ClassKey

	// Warnings lists non-fatal anomalies seen while decoding or verifying.
	Warnings []string

	deviceKey []byte
	unlocked  bool
}

func newKeybag() *Keybag {
	return &Keybag{
		Attributes: make(map[string]Attribute),
		Keys:       make(map[uint32]*ClassKey),
	}
}

func (kb *Keybag) warnf(format string, args ...interface{}) {
	kb.Warnings = append(kb.Warnings, fmt.Sprintf(format, args...))
}

// Unlocked reports whether a full unlock pass has completed.
func (kb *Keybag) Unlocked() bool { return kb.unlocked }

// SetDeviceKey injects the device key used for WrapDevice classes and for the
// HMCK signature key.
func (kb *Keybag) SetDeviceKey(key []byte) {
	kb.deviceKey = append([]byte(nil), key...)
}

func (kb *Keybag) HasDeviceKey() bool { return len(kb.deviceKey) > 0 }

// UUIDString renders the keybag identifier, falling back to hex.
func (kb *Keybag) UUIDString() string { return formatUUID(kb.UUID) }

func formatUUID(b []byte) string {
	if u, err := uuid.FromBytes(b); err == nil {
		return u.String()
	}
	return hex.EncodeToString(b)
}

func (kb *Keybag) attrInt(tag string) (uint32, bool) {
	a, ok := kb.Attributes[tag]
	if !ok || !a.IsInt {
		return 0, false
	}
	return a.Int, true
}

func (kb *Keybag) attrBytes(tag string) []byte {
	return kb.Attributes[tag].Bytes
}

func (kb *Keybag) Version() uint32 {
	v, _ := kb.attrInt("VERS")
	return v
}

func (kb *Keybag) Salt() []byte { return kb.attrBytes("SALT") }

func (kb *Keybag) Iterations() (uint32, bool) { return kb.attrInt("ITER") }

// HMACKey returns the wrapped signature key (HMCK).
func (kb *Keybag) HMACKey() []byte { return kb.attrBytes("HMCK") }

// ClassIDs returns the class ids in ascending order.
func (kb *Keybag) ClassIDs() []uint32 {
	ids := make([]uint32, 0, len(kb.Keys))
	for id := range kb.Keys {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ClassKeys returns a copy of every resolved class key, or nil while locked.
func (kb *Keybag) ClassKeys() map[uint32][]byte {
	if !kb.unlocked {
		return nil
	}
	rval := make(map[uint32][]byte, len(kb.Keys))
	for id, ck := range kb.Keys {
		if ck.key != nil {
			rval[id] = append([]byte(nil), ck.key...)
		}
	}
	return rval
}

// ClearClassKeys returns the hex encoded class keys keyed by decimal class id.
// Classes left unresolved map to "". Returns nil while locked.
func (kb *Keybag) ClearClassKeys() map[string]string {
	if !kb.unlocked {
		return nil
	}
	rval := make(map[string]string, len(kb.Keys))
	for id, ck := range kb.Keys {
		rval[strconv.FormatUint(uint64(id), 10)] = hex.EncodeToString(ck.key)
	}
	return rval
}

// Destroy wipes the device key and every resolved class key and relocks the keybag.
func (kb *Keybag) Destroy() {
	memguard.WipeBytes(kb.deviceKey)
	kb.deviceKey = nil
	for _, ck := range kb.Keys {
		memguard.WipeBytes(ck.key)
		ck.key = nil
	}
	kb.unlocked = false
}
