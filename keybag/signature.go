package keybag

import (
	"crypto/hmac"
	"crypto/sha1"
	"fmt"

	"github.com/google/logger"

	"github.com/dunhamsteve/iosprotect/crypto/aeswrap"
	"github.com/dunhamsteve/iosprotect/encoding/tlv"
)

// SignatureStatus is the outcome of checking a signed keybag envelope.
type SignatureStatus int

const (
	SignatureOK SignatureStatus = iota
	SignatureMismatch
	SignatureNoDeviceKey
	SignatureNotPresent
)

func (s SignatureStatus) String() string {
	switch s {
	case SignatureOK:
		return "ok"
	case SignatureMismatch:
		return "mismatch"
	case SignatureNoDeviceKey:
		return "no device key"
	case SignatureNotPresent:
		return "not present"
	}
	return fmt.Sprintf("SignatureStatus(%d)", int(s))
}

// Signature computes the keybag signature. The keybag bytes are the HMAC key
// and the unwrapped HMCK is the message; this is swapped from the usual
// construction but it is what the format stores.
func Signature(data, hmacKey []byte) []byte {
	mac := hmac.New(sha1.New, data)
	mac.Write(hmacKey)
	return mac.Sum(nil)
}

// VerifySignature checks sign against the keybag bytes in data, using the HMCK
// attribute unwrapped with the device key. An empty sign is SignatureNotPresent
// with a nil error.
func (kb *Keybag) VerifySignature(data, sign []byte) (SignatureStatus, error) {
	if len(sign) == 0 {
		return SignatureNotPresent, nil
	}
	if !kb.HasDeviceKey() {
		return SignatureNoDeviceKey, ErrMissingDeviceKey
	}
	hmck := kb.HMACKey()
	if hmck == nil {
		return SignatureMismatch, fmt.Errorf("%w: missing HMCK", ErrSignatureMismatch)
	}
	hmacKey, err := aeswrap.Unwrap(kb.deviceKey, hmck)
	if err != nil {
		return SignatureMismatch, fmt.Errorf("%w: HMCK: %w", ErrSignatureMismatch, err)
	}
	if !hmac.Equal(Signature(data, hmacKey), sign) {
		return SignatureMismatch, ErrSignatureMismatch
	}
	return SignatureOK, nil
}

// FromSignedBlob decodes a DATA/SIGN envelope and checks its signature.
//
// Signature problems do not fail the call: the status says what happened and
// a warning is added to the keybag. The error is only set when the envelope or
// keybag cannot be decoded, in which case the best-effort keybag is still
// returned when there was one.
func FromSignedBlob(blob, deviceKey []byte) (*Keybag, SignatureStatus, error) {
	env, err := tlv.ToMap(blob)
	if err != nil {
		return nil, SignatureNotPresent, fmt.Errorf("%w: envelope: %v", ErrMalformedKeybag, err)
	}
	data, ok := env["DATA"]
	if !ok {
		return nil, SignatureNotPresent, fmt.Errorf("%w: envelope has no DATA", ErrMalformedKeybag)
	}

	kb, err := Decode(data)
	if deviceKey != nil {
		kb.SetDeviceKey(deviceKey)
	}
	if err != nil {
		return kb, SignatureNotPresent, err
	}

	status, serr := kb.VerifySignature(data, env["SIGN"])
	switch status {
	case SignatureOK:
		logger.Info("keybag: SIGN check OK")
	case SignatureNotPresent:
		logger.Info("keybag: unsigned")
	default:
		kb.warnf("SIGN check failed: %v", serr)
		logger.Warningf("keybag: SIGN check failed: %v", serr)
	}
	return kb, status, nil
}
