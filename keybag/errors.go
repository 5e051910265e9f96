package keybag

import "errors"

var (
	// ErrMalformedKeybag covers truncated chunk streams, keybags without any
	// class keys and missing mandatory attributes.
	ErrMalformedKeybag = errors.New("keybag: malformed keybag")

	ErrSignatureMismatch = errors.New("keybag: signature mismatch")
	ErrMissingDeviceKey  = errors.New("keybag: device key required")

	// ErrKeybagLocked is returned when a class has no resolved key, either
	// because the keybag was never unlocked or because unlock skipped it.
	ErrKeybagLocked = errors.New("keybag: keybag locked")

	// ErrUnwrapFailure wraps integrity failures from AES key unwrap.
	ErrUnwrapFailure = errors.New("keybag: unwrap failed")

	ErrNotBackupKeybag = errors.New("keybag: not a backup keybag")
	ErrUnknownClass    = errors.New("keybag: unknown protection class")
)
