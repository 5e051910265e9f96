package keybag

import (
	"crypto/rand"
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"

	"github.com/dunhamsteve/iosprotect/crypto/aescbc"
	"github.com/dunhamsteve/iosprotect/crypto/aeswrap"
	"github.com/dunhamsteve/iosprotect/encoding/tlv"
)

var keybagUUID = []byte{0x6b, 0x2f, 0x1a, 0x90, 0x3c, 0x4d, 0x4e, 0x11, 0x9a, 0x77, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}

type fixtureClass struct {
	class uint32
	wrap  WrapMethod
	wpky  []byte
}

type fixture struct {
	kind    Kind
	version uint32
	salt    []byte
	iter    uint32
	hmck    []byte
	extra   func(b []byte) []byte
	classes []fixtureClass
}

func (f fixture) bytes() []byte {
	var b []byte
	b = tlv.AppendUint32(b, "VERS", f.version)
	b = tlv.AppendUint32(b, "TYPE", uint32(f.kind))
	b = tlv.Append(b, "UUID", keybagUUID)
	if f.hmck != nil {
		b = tlv.Append(b, "HMCK", f.hmck)
	}
	b = tlv.AppendUint32(b, "WRAP", 1)
	b = tlv.Append(b, "SALT", f.salt)
	b = tlv.AppendUint32(b, "ITER", f.iter)
	if f.extra != nil {
		b = f.extra(b)
	}
	for _, c := range f.classes {
		id := append([]byte(nil), keybagUUID...)
		id[15] = byte(c.class)
		b = tlv.Append(b, "UUID", id)
		b = tlv.AppendUint32(b, "CLAS", c.class)
		b = tlv.AppendUint32(b, "WRAP", uint32(c.wrap))
		b = tlv.AppendUint32(b, "KTYP", 0)
		b = tlv.Append(b, "WPKY", c.wpky)
	}
	return b
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func backupPasscodeKey(passcode string, salt []byte, iter int) []byte {
	return pbkdf2.Key([]byte(passcode), salt, iter, 32, sha1.New)
}

func wrap(t *testing.T, kek, key []byte) []byte {
	t.Helper()
	w, err := aeswrap.Wrap(kek, key)
	require.NoError(t, err)
	return w
}

// deviceWrap produces what the device stores for a class key protected by the
// device key: the inverse of a zero-iv CBC decrypt.
func deviceWrap(t *testing.T, deviceKey, key []byte) []byte {
	t.Helper()
	ct, err := aescbc.Encrypt(deviceKey, key, nil, false)
	require.NoError(t, err)
	return ct
}

func decode(t *testing.T, data []byte) *Keybag {
	t.Helper()
	kb, err := Decode(data)
	require.NoError(t, err)
	return kb
}
