package keybag

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunhamsteve/iosprotect/encoding/tlv"
)

func sampleFixture(t *testing.T) fixture {
	return fixture{
		kind:    Backup,
		version: 2,
		salt:    randomBytes(t, 16),
		iter:    10000,
		classes: []fixtureClass{
			{class: 1, wrap: WrapPasscode, wpky: randomBytes(t, 40)},
			{class: 2, wrap: WrapPasscode | WrapDevice, wpky: randomBytes(t, 40)},
			{class: 3, wrap: WrapDevice, wpky: randomBytes(t, 32)},
		},
	}
}

func TestDecode(t *testing.T) {
	f := sampleFixture(t)
	kb := decode(t, f.bytes())

	assert.Equal(t, Backup, kb.Type)
	assert.Equal(t, keybagUUID, kb.UUID)
	assert.True(t, kb.HasWrap)
	assert.Equal(t, WrapDevice, kb.Wrap)
	assert.Equal(t, uint32(2), kb.Version())
	assert.Equal(t, f.salt, kb.Salt())
	iter, ok := kb.Iterations()
	assert.True(t, ok)
	assert.Equal(t, uint32(10000), iter)
	assert.False(t, kb.Attributes["SALT"].IsInt)
	assert.Empty(t, kb.Warnings)
	assert.False(t, kb.Unlocked())

	require.Equal(t, []uint32{1, 2, 3}, kb.ClassIDs())
	for _, c := range f.classes {
		ck := kb.Keys[c.class]
		require.NotNil(t, ck)
		assert.Equal(t, c.class, ck.Class)
		assert.Equal(t, c.wrap, ck.Wrap)
		assert.Equal(t, c.wpky, ck.WrappedKey)
		assert.Equal(t, byte(c.class), ck.UUID[15])
		assert.False(t, ck.Resolved())
	}

	// class level WRAP/UUID never leak into the keybag attributes
	_, ok = kb.Attributes["WPKY"]
	assert.False(t, ok)
	_, ok = kb.Attributes["CLAS"]
	assert.False(t, ok)
}

func TestDecodeIdempotent(t *testing.T) {
	data := sampleFixture(t).bytes()
	a := decode(t, data)
	b := decode(t, data)
	diff := cmp.Diff(a, b, cmpopts.IgnoreUnexported(Keybag{}, ClassKey{}))
	assert.Empty(t, diff)
}

func TestDecodeOutOfRangeType(t *testing.T) {
	f := sampleFixture(t)
	f.kind = 5
	kb, err := Decode(f.bytes())
	require.NoError(t, err)
	assert.Equal(t, Kind(5), kb.Type)
	assert.False(t, kb.Type.Valid())
	assert.Equal(t, "Kind(5)", kb.Type.String())
	require.Len(t, kb.Warnings, 1)
	assert.Contains(t, kb.Warnings[0], "type 5")
}

func TestDecodeNoClassKeys(t *testing.T) {
	f := sampleFixture(t)
	f.classes = nil
	kb, err := Decode(f.bytes())
	assert.ErrorIs(t, err, ErrMalformedKeybag)
	require.NotNil(t, kb)
	assert.Equal(t, keybagUUID, kb.UUID)
	assert.Empty(t, kb.Keys)
}

func TestDecodeEmpty(t *testing.T) {
	kb, err := Decode(nil)
	assert.ErrorIs(t, err, ErrMalformedKeybag)
	require.NotNil(t, kb)
	assert.Nil(t, kb.UUID)
}

func TestDecodeTruncated(t *testing.T) {
	data := sampleFixture(t).bytes()
	kb, err := Decode(data[:len(data)-3])
	assert.ErrorIs(t, err, ErrMalformedKeybag)
	require.NotNil(t, kb)
	// The last record is committed with what was read before the cut.
	assert.Len(t, kb.Keys, 3)
	assert.Nil(t, kb.Keys[3].WrappedKey)
}

func TestDecodeRepeatedAttribute(t *testing.T) {
	f := sampleFixture(t)
	f.extra = func(b []byte) []byte {
		return tlv.Append(b, "SALT", []byte("second salt value"))
	}
	kb := decode(t, f.bytes())
	assert.Equal(t, []byte("second salt value"), kb.Salt())
	require.Len(t, kb.Warnings, 1)
	assert.Contains(t, kb.Warnings[0], "repeated attribute SALT")
}

func TestDecodeUnknownTagsKept(t *testing.T) {
	f := sampleFixture(t)
	f.extra = func(b []byte) []byte {
		b = tlv.AppendUint32(b, "GRCE", 7)
		return tlv.Append(b, "TKMT", []byte{0, 1})
	}
	kb := decode(t, f.bytes())
	assert.Equal(t, Attribute{Bytes: []byte{0, 0, 0, 7}, Int: 7, IsInt: true}, kb.Attributes["GRCE"])
	assert.Equal(t, "0001", kb.Attributes["TKMT"].String())
	assert.Empty(t, kb.Warnings)
}

func TestDecodeClassWithoutCLAS(t *testing.T) {
	var b []byte
	b = tlv.AppendUint32(b, "TYPE", 1)
	b = tlv.Append(b, "UUID", keybagUUID)
	b = tlv.Append(b, "UUID", []byte("orphan record..."))
	b = tlv.Append(b, "WPKY", make([]byte, 40))
	b = tlv.Append(b, "UUID", []byte("class one record"))
	b = tlv.AppendUint32(b, "CLAS", 1)

	kb := decode(t, b)
	assert.Equal(t, []uint32{1}, kb.ClassIDs())
	require.Len(t, kb.Warnings, 1)
	assert.Contains(t, kb.Warnings[0], "no CLAS")
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "System", System.String())
	assert.Equal(t, "Backup", Backup.String())
	assert.Equal(t, "Escrow", Escrow.String())
}

func TestWrapMethodString(t *testing.T) {
	assert.Equal(t, "none", WrapMethod(0).String())
	assert.Equal(t, "device", WrapDevice.String())
	assert.Equal(t, "passcode", WrapPasscode.String())
	assert.Equal(t, "passcode+device", (WrapDevice | WrapPasscode).String())
}

func TestClassName(t *testing.T) {
	assert.Equal(t, "NSFileProtectionComplete", ClassName(ClassComplete))
	assert.Equal(t, "kSecAttrAccessibleAlwaysThisDeviceOnly", ClassName(ClassKeychainAlwaysThisDevice))
	assert.Equal(t, "class 42", ClassName(42))
}
