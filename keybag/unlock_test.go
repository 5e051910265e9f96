package keybag

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"

	"github.com/dunhamsteve/iosprotect/crypto/aeswrap"
	"github.com/dunhamsteve/iosprotect/encoding/tlv"
)

// backupFixture is a backup keybag with one passcode wrapped class.
func backupFixture(t *testing.T, wrapMethod WrapMethod, classKey []byte, deviceKey []byte) (fixture, []byte) {
	salt := randomBytes(t, 16)
	pk := backupPasscodeKey("1234", salt, 10000)
	inner := classKey
	if wrapMethod&WrapDevice != 0 {
		inner = deviceWrap(t, deviceKey, classKey)
	}
	f := fixture{
		kind:    Backup,
		version: 2,
		salt:    salt,
		iter:    10000,
		classes: []fixtureClass{{class: 1, wrap: wrapMethod, wpky: wrap(t, pk, inner)}},
	}
	return f, pk
}

func TestUnlockWithPasscode(t *testing.T) {
	classKey := randomBytes(t, 32)
	f, pk := backupFixture(t, WrapPasscode, classKey, nil)
	kb := decode(t, f.bytes())

	derived, err := kb.PasscodeKey([]byte("1234"))
	require.NoError(t, err)
	assert.Len(t, derived, 32)
	assert.Equal(t, pk, derived)

	res, err := kb.UnlockWithPasscode("1234")
	require.NoError(t, err)
	assert.True(t, kb.Unlocked())
	assert.Equal(t, []uint32{1}, res.Resolved)
	assert.Empty(t, res.Unresolved)
	assert.False(t, res.Partial())

	want, err := aeswrap.Unwrap(pk, kb.Keys[1].WrappedKey)
	require.NoError(t, err)
	assert.Equal(t, want, kb.Keys[1].Key())
	assert.Equal(t, classKey, kb.Keys[1].Key())
	assert.Equal(t, map[uint32][]byte{1: classKey}, kb.ClassKeys())
}

func TestUnlockWrongPasscode(t *testing.T) {
	f, _ := backupFixture(t, WrapPasscode, randomBytes(t, 32), nil)
	kb := decode(t, f.bytes())

	res, err := kb.UnlockBackupWithPasscode("0000")
	assert.ErrorIs(t, err, ErrUnwrapFailure)
	assert.ErrorIs(t, err, aeswrap.ErrUnwrapFailed)
	assert.Nil(t, res)
	assert.False(t, kb.Unlocked())
	assert.False(t, kb.Keys[1].Resolved())
	assert.Nil(t, kb.ClassKeys())
}

func TestUnlockFailureLeavesOtherClassesUntouched(t *testing.T) {
	salt := randomBytes(t, 16)
	pk := backupPasscodeKey("1234", salt, 1)
	f := fixture{
		kind: Backup, salt: salt, iter: 1,
		classes: []fixtureClass{
			{class: 1, wrap: WrapPasscode, wpky: wrap(t, pk, randomBytes(t, 32))},
			{class: 2, wrap: WrapPasscode, wpky: wrap(t, randomBytes(t, 32), randomBytes(t, 32))},
		},
	}
	kb := decode(t, f.bytes())
	_, err := kb.UnlockWithPasscodeKey(pk)
	require.ErrorIs(t, err, ErrUnwrapFailure)
	assert.False(t, kb.Keys[1].Resolved())
	assert.False(t, kb.Unlocked())
}

func TestUnlockBothBitsWithoutDeviceKey(t *testing.T) {
	f, _ := backupFixture(t, WrapPasscode|WrapDevice, randomBytes(t, 32), randomBytes(t, 32))
	kb := decode(t, f.bytes())

	res, err := kb.UnlockWithPasscode("1234")
	require.NoError(t, err)
	assert.True(t, kb.Unlocked())
	assert.True(t, res.Partial())
	assert.Equal(t, []uint32{1}, res.Unresolved)
	assert.Empty(t, res.Resolved)
	assert.Nil(t, kb.Keys[1].Key())
	assert.Empty(t, kb.ClassKeys())

	_, err = kb.Unwrap(1, make([]byte, 40))
	assert.ErrorIs(t, err, ErrKeybagLocked)
}

func TestUnlockBothBitsWithDeviceKey(t *testing.T) {
	classKey := randomBytes(t, 32)
	deviceKey := randomBytes(t, 16)
	f, pk := backupFixture(t, WrapPasscode|WrapDevice, classKey, deviceKey)
	kb := decode(t, f.bytes())

	res, err := kb.Unlock(pk, deviceKey)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, res.Resolved)
	assert.Equal(t, classKey, kb.Keys[1].Key())
}

func TestUnlockDeviceOnlyWithoutDeviceKey(t *testing.T) {
	f := fixture{
		kind: Backup, salt: randomBytes(t, 16), iter: 1,
		classes: []fixtureClass{{class: 4, wrap: WrapDevice, wpky: randomBytes(t, 32)}},
	}
	kb := decode(t, f.bytes())

	res, err := kb.UnlockWithPasscodeKey(nil)
	require.NoError(t, err)
	assert.True(t, kb.Unlocked())
	assert.Equal(t, []uint32{4}, res.Unresolved)
	assert.Equal(t, map[string]string{"4": ""}, kb.ClearClassKeys())

	_, err = kb.Unwrap(4, make([]byte, 40))
	assert.ErrorIs(t, err, ErrKeybagLocked)
}

func TestUnlockSystemKeybagNeedsDeviceKey(t *testing.T) {
	classKey := randomBytes(t, 32)
	deviceKey := randomBytes(t, 32)
	f := fixture{
		kind: System, salt: randomBytes(t, 20), iter: 50000,
		classes: []fixtureClass{{class: 4, wrap: WrapDevice, wpky: deviceWrap(t, deviceKey, classKey)}},
	}
	kb := decode(t, f.bytes())

	_, err := kb.UnlockWithPasscodeKey(nil)
	assert.ErrorIs(t, err, ErrMissingDeviceKey)
	assert.False(t, kb.Unlocked())
	assert.False(t, kb.Keys[4].Resolved())

	kb.SetDeviceKey(deviceKey)
	res, err := kb.UnlockWithPasscodeKey(nil)
	require.NoError(t, err)
	assert.Equal(t, []uint32{4}, res.Resolved)
	assert.Equal(t, classKey, kb.Keys[4].Key())
}

func TestUnlockDeviceKeyTruncatesPartialBlock(t *testing.T) {
	classKey := randomBytes(t, 32)
	deviceKey := randomBytes(t, 32)
	wpky := append(deviceWrap(t, deviceKey, classKey), 1, 2, 3, 4, 5, 6, 7, 8)
	f := fixture{
		kind: System, salt: randomBytes(t, 20), iter: 1,
		classes: []fixtureClass{{class: 4, wrap: WrapDevice, wpky: wpky}},
	}
	kb := decode(t, f.bytes())
	_, err := kb.Unlock(nil, deviceKey)
	require.NoError(t, err)
	assert.Equal(t, classKey, kb.Keys[4].Key())
}

func TestUnlockMissingPasscodeKey(t *testing.T) {
	f, _ := backupFixture(t, WrapPasscode, randomBytes(t, 32), nil)
	kb := decode(t, f.bytes())
	_, err := kb.UnlockWithPasscodeKey(nil)
	assert.ErrorIs(t, err, ErrUnwrapFailure)
	assert.False(t, kb.Unlocked())
}

func TestUnlockNoWrap(t *testing.T) {
	stored := randomBytes(t, 32)
	f := fixture{
		kind: Backup, salt: randomBytes(t, 16), iter: 1,
		classes: []fixtureClass{{class: 2, wrap: 0, wpky: stored}},
	}
	kb := decode(t, f.bytes())
	_, err := kb.UnlockWithPasscodeKey(nil)
	require.NoError(t, err)
	assert.Equal(t, stored, kb.Keys[2].Key())

	blob := randomBytes(t, 40)
	out, err := kb.Unwrap(2, blob)
	require.NoError(t, err)
	assert.Equal(t, blob, out)
}

func TestUnlockBackupRejectsSystemKeybag(t *testing.T) {
	f := fixture{
		kind: System, salt: randomBytes(t, 20), iter: 1,
		classes: []fixtureClass{{class: 1, wrap: WrapPasscode, wpky: randomBytes(t, 40)}},
	}
	kb := decode(t, f.bytes())
	_, err := kb.UnlockBackupWithPasscode("1234")
	assert.ErrorIs(t, err, ErrNotBackupKeybag)
}

func TestUnwrapItemKey(t *testing.T) {
	classKey := randomBytes(t, 32)
	f, pk := backupFixture(t, WrapPasscode, classKey, nil)
	kb := decode(t, f.bytes())

	itemKey := randomBytes(t, 32)
	wrapped := wrap(t, classKey, itemKey)

	_, err := kb.Unwrap(1, wrapped)
	assert.ErrorIs(t, err, ErrKeybagLocked)

	_, err = kb.UnlockWithPasscodeKey(pk)
	require.NoError(t, err)

	out, err := kb.Unwrap(1, wrapped)
	require.NoError(t, err)
	assert.Equal(t, itemKey, out)

	wrapped[9] ^= 0xff
	_, err = kb.Unwrap(1, wrapped)
	assert.ErrorIs(t, err, ErrUnwrapFailure)
	assert.NotErrorIs(t, err, ErrKeybagLocked)

	_, err = kb.Unwrap(9, wrapped)
	assert.ErrorIs(t, err, ErrUnknownClass)
	assert.NotErrorIs(t, err, ErrKeybagLocked)
}

func TestPasscodeKeyDoubleProtection(t *testing.T) {
	dpsl := randomBytes(t, 20)
	f := fixture{
		kind: Backup, salt: randomBytes(t, 20), iter: 1000,
		extra: func(b []byte) []byte {
			b = tlv.AppendUint32(b, "DPIC", 2000)
			return tlv.Append(b, "DPSL", dpsl)
		},
		classes: []fixtureClass{{class: 1, wrap: WrapPasscode, wpky: randomBytes(t, 40)}},
	}
	kb := decode(t, f.bytes())

	got, err := kb.PasscodeKey([]byte("pw"))
	require.NoError(t, err)
	first := pbkdf2.Key([]byte("pw"), dpsl, 2000, 32, sha256.New)
	assert.Equal(t, backupPasscodeKey(string(first), f.salt, 1000), got)
}

func TestPasscodeKeyNonBackup(t *testing.T) {
	f := fixture{
		kind: System, salt: randomBytes(t, 20), iter: 50000,
		classes: []fixtureClass{{class: 1, wrap: WrapPasscode, wpky: randomBytes(t, 40)}},
	}
	kb := decode(t, f.bytes())
	got, err := kb.PasscodeKey([]byte("1234"))
	require.NoError(t, err)
	assert.Equal(t, backupPasscodeKey("1234", f.salt, 1), got)
}

func TestPasscodeKeyMissingAttributes(t *testing.T) {
	var b []byte
	b = tlv.AppendUint32(b, "TYPE", uint32(Backup))
	b = tlv.Append(b, "UUID", keybagUUID)
	b = tlv.Append(b, "UUID", keybagUUID)
	b = tlv.AppendUint32(b, "CLAS", 1)
	kb := decode(t, b)

	_, err := kb.PasscodeKey([]byte("1234"))
	assert.ErrorIs(t, err, ErrMalformedKeybag)
}

func TestClearClassKeysAndDestroy(t *testing.T) {
	classKey := randomBytes(t, 32)
	f, pk := backupFixture(t, WrapPasscode, classKey, nil)
	kb := decode(t, f.bytes())
	assert.Nil(t, kb.ClearClassKeys())

	_, err := kb.UnlockWithPasscodeKey(pk)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1": hex.EncodeToString(classKey)}, kb.ClearClassKeys())

	snapshot := kb.ClassKeys()
	kb.Destroy()
	assert.False(t, kb.Unlocked())
	assert.False(t, kb.Keys[1].Resolved())
	assert.Equal(t, classKey, snapshot[1], "snapshots are copies")

	_, err = kb.Unwrap(1, make([]byte, 40))
	assert.ErrorIs(t, err, ErrKeybagLocked)
}
