package keybag

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"

	"github.com/google/logger"
	"golang.org/x/crypto/pbkdf2"
)

const passcodeKeySize = 32

// PasscodeKey derives the passcode key from a passcode.
//
// Backup keybags use PBKDF2-HMAC-SHA1 with the stored SALT and ITER. Keybags
// carrying DPSL/DPIC (iOS 10.2 and later) first run the passcode through
// PBKDF2-HMAC-SHA256 with those values.
//
// Other keybags get a single SHA1 round over SALT. That result still has to
// be tangled with the UID key on the device, so it will only unlock classes
// when the caller finishes the derivation elsewhere.
func (kb *Keybag) PasscodeKey(passcode []byte) ([]byte, error) {
	salt := kb.Salt()
	if salt == nil {
		return nil, fmt.Errorf("%w: missing SALT", ErrMalformedKeybag)
	}
	if kb.Type != Backup {
		logger.Warningf("keybag: %s keybag passcode key needs on-device derivation", kb.Type)
		return pbkdf2.Key(passcode, salt, 1, passcodeKeySize, sha1.New), nil
	}

	iter, ok := kb.Iterations()
	if !ok {
		return nil, fmt.Errorf("%w: missing ITER", ErrMalformedKeybag)
	}
	if dpsl := kb.attrBytes("DPSL"); dpsl != nil {
		dpic, ok := kb.attrInt("DPIC")
		if !ok {
			return nil, fmt.Errorf("%w: DPSL without DPIC", ErrMalformedKeybag)
		}
		passcode = pbkdf2.Key(passcode, dpsl, int(dpic), passcodeKeySize, sha256.New)
	}
	return pbkdf2.Key(passcode, salt, int(iter), passcodeKeySize, sha1.New), nil
}
