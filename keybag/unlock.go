package keybag

import (
	"crypto/aes"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/google/logger"

	"github.com/dunhamsteve/iosprotect/crypto/aescbc"
	"github.com/dunhamsteve/iosprotect/crypto/aeswrap"
)

// UnlockResult reports which classes an unlock pass resolved. Classes that
// need the device key are left in Unresolved when none was available.
type UnlockResult struct {
	Resolved   []uint32
	Unresolved []uint32
}

// Partial reports whether some classes were skipped.
func (r *UnlockResult) Partial() bool { return len(r.Unresolved) > 0 }

// Unlock resolves every class key with the passcode key and the device key.
// A non-nil deviceKey replaces the one already set on the keybag.
//
// Keybags other than backup keybags need a device key before anything is
// tried. A failed passcode unwrap fails the whole call and leaves the keybag
// as it was. A class that needs the device key when there is none is skipped
// and the keybag still counts as unlocked.
func (kb *Keybag) Unlock(passcodeKey, deviceKey []byte) (*UnlockResult, error) {
	if deviceKey != nil {
		kb.SetDeviceKey(deviceKey)
	}
	if kb.Type != Backup && !kb.HasDeviceKey() {
		return nil, fmt.Errorf("%w: %s keybag", ErrMissingDeviceKey, kb.Type)
	}

	resolved := make(map[uint32][]byte, len(kb.Keys))
	result := new(UnlockResult)
	for _, id := range kb.ClassIDs() {
		key, err := kb.resolve(kb.Keys[id], passcodeKey)
		if err != nil {
			for _, k := range resolved {
				memguard.WipeBytes(k)
			}
			return nil, err
		}
		if key == nil {
			result.Unresolved = append(result.Unresolved, id)
			continue
		}
		resolved[id] = key
		result.Resolved = append(result.Resolved, id)
	}

	for id, key := range resolved {
		kb.Keys[id].key = key
	}
	kb.unlocked = true
	if result.Partial() {
		logger.Warningf("keybag: no device key, classes %v left locked", result.Unresolved)
	}
	return result, nil
}

// resolve returns the plaintext class key, or nil when the device key is needed
// but missing.
func (kb *Keybag) resolve(ck *ClassKey, passcodeKey []byte) ([]byte, error) {
	switch ck.Wrap.mode() {
	case wrapNone:
		k := make([]byte, len(ck.WrappedKey))
		copy(k, ck.WrappedKey)
		return k, nil
	case wrapPasscodeOnly:
		return unwrapPasscode(ck, passcodeKey)
	case wrapDeviceOnly:
		if !kb.HasDeviceKey() {
			return nil, nil
		}
		return kb.decryptDevice(ck, ck.WrappedKey)
	default: // wrapBoth
		// A bad passcode fails even when the device key is missing.
		k, err := unwrapPasscode(ck, passcodeKey)
		if err != nil {
			return nil, err
		}
		if !kb.HasDeviceKey() {
			return nil, nil
		}
		return kb.decryptDevice(ck, k)
	}
}

func unwrapPasscode(ck *ClassKey, passcodeKey []byte) ([]byte, error) {
	if passcodeKey == nil {
		return nil, fmt.Errorf("%w: class %d needs a passcode key", ErrUnwrapFailure, ck.Class)
	}
	k, err := aeswrap.Unwrap(passcodeKey, ck.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: class %d: %w", ErrUnwrapFailure, ck.Class, err)
	}
	return k, nil
}

// decryptDevice is a raw zero-iv CBC decrypt. A trailing partial block is dropped.
func (kb *Keybag) decryptDevice(ck *ClassKey, k []byte) ([]byte, error) {
	if rem := len(k) % aes.BlockSize; rem != 0 {
		logger.Warningf("keybag: class %d key is not a multiple of 16 bytes, truncating", ck.Class)
		k = k[:len(k)-rem]
	}
	out, err := aescbc.Decrypt(kb.deviceKey, k, nil, false)
	if err != nil {
		return nil, fmt.Errorf("%w: class %d device decrypt: %w", ErrUnwrapFailure, ck.Class, err)
	}
	return out, nil
}

// UnlockWithPasscodeKey unlocks with an already derived passcode key.
func (kb *Keybag) UnlockWithPasscodeKey(passcodeKey []byte) (*UnlockResult, error) {
	return kb.Unlock(passcodeKey, nil)
}

// UnlockWithPasscode derives the passcode key and unlocks. See PasscodeKey for
// the limits on non-backup keybags.
func (kb *Keybag) UnlockWithPasscode(passcode string) (*UnlockResult, error) {
	pk, err := kb.PasscodeKey([]byte(passcode))
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(pk)
	return kb.Unlock(pk, nil)
}

// UnlockBackupWithPasscode is UnlockWithPasscode restricted to backup keybags.
func (kb *Keybag) UnlockBackupWithPasscode(passcode string) (*UnlockResult, error) {
	if kb.Type != Backup {
		return nil, fmt.Errorf("%w: %s", ErrNotBackupKeybag, kb.Type)
	}
	return kb.UnlockWithPasscode(passcode)
}

// Unwrap unwraps a per-item key with the resolved key of class. Classes stored
// without any wrapping pass blob through unchanged.
func (kb *Keybag) Unwrap(class uint32, blob []byte) ([]byte, error) {
	ck, ok := kb.Keys[class]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownClass, class)
	}
	if ck.key == nil {
		return nil, fmt.Errorf("%w: class %d", ErrKeybagLocked, class)
	}
	if ck.Wrap.mode() == wrapNone {
		return append([]byte(nil), blob...), nil
	}
	k, err := aeswrap.Unwrap(ck.key, blob)
	if err != nil {
		return nil, fmt.Errorf("%w: class %d: %w", ErrUnwrapFailure, class, err)
	}
	return k, nil
}
