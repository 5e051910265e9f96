// Package systembag opens the device's system keybag file (systembag.kb).
//
// The file is a plist holding an AES-CBC encrypted payload. The payload is
// another plist whose KeyBagKeys entry is the signed DATA/SIGN keybag blob.
// The payload key is the wipe key from the effaceable storage, which is
// found by _MKBWIPEID.
package systembag

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/dunhamsteve/plist"
	"github.com/google/logger"

	"github.com/dunhamsteve/iosprotect/crypto/aescbc"
	"github.com/dunhamsteve/iosprotect/keybag"
)

var ErrNoPayload = errors.New("systembag: missing _MKBPAYLOAD")

type File struct {
	Payload []byte `plist:"_MKBPAYLOAD"`
	IV      []byte `plist:"_MKBIV"`
	WipeID  int    `plist:"_MKBWIPEID"`
}

type payload struct {
	KeyBagKeys []byte `plist:"KeyBagKeys"`
}

func Read(r io.ReadSeeker) (*File, error) {
	f := new(File)
	if err := plist.Unmarshal(r, f); err != nil {
		return nil, fmt.Errorf("systembag: %w", err)
	}
	return f, nil
}

// WipeID returns the id of the effaceable storage entry holding the wipe key.
func WipeID(r io.ReadSeeker) (int, error) {
	f, err := Read(r)
	if err != nil {
		return 0, err
	}
	return f.WipeID, nil
}

// KeyBagKeys decrypts the payload with wipeKey and returns the signed keybag blob.
func (f *File) KeyBagKeys(wipeKey []byte) ([]byte, error) {
	if len(f.Payload) == 0 {
		return nil, ErrNoPayload
	}
	plain, err := aescbc.Decrypt(wipeKey, f.Payload, f.IV, true)
	if err != nil {
		return nil, fmt.Errorf("systembag: payload: %w", err)
	}
	var p payload
	if err := plist.Unmarshal(bytes.NewReader(plain), &p); err != nil {
		return nil, fmt.Errorf("systembag: payload plist: %w", err)
	}
	if len(p.KeyBagKeys) == 0 {
		return nil, errors.New("systembag: payload has no KeyBagKeys")
	}
	return p.KeyBagKeys, nil
}

// Open reads a system keybag file and decodes its keybag. deviceKey may be nil,
// in which case the signature cannot be checked and device wrapped classes stay
// locked.
func Open(r io.ReadSeeker, wipeKey, deviceKey []byte) (*keybag.Keybag, keybag.SignatureStatus, error) {
	f, err := Read(r)
	if err != nil {
		return nil, keybag.SignatureNotPresent, err
	}
	blob, err := f.KeyBagKeys(wipeKey)
	if err != nil {
		return nil, keybag.SignatureNotPresent, err
	}
	kb, status, err := keybag.FromSignedBlob(blob, deviceKey)
	if err == nil {
		logger.Infof("systembag: %s keybag %s, signature %s", kb.Type, kb.UUIDString(), status)
	}
	return kb, status, err
}
