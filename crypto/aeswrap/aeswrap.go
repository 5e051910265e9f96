// Package aeswrap implements rfc3394 - AES keywrapping.
package aeswrap

import (
	"crypto/aes"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

var (
	// ErrInvalidLength is returned when the input is not a whole number of
	// 64 bit blocks, or too short to hold a key.
	ErrInvalidLength = errors.New("aeswrap: input must be a multiple of 64 bits")

	// ErrUnwrapFailed is returned when the integrity check value does not match.
	ErrUnwrapFailed = errors.New("aeswrap: integrity check failed")
)

var rfc3394iv = []byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

var be = binary.BigEndian

// xorCounter folds the 64 bit step counter t into A.
func xorCounter(a []byte, t uint64) {
	be.PutUint64(a, be.Uint64(a)^t)
}

// Wrap will wrap 'in' with the key in 'kek'.
func Wrap(kek []byte, in []byte) ([]byte, error) {
	if len(in) < 16 || len(in)%8 != 0 {
		return nil, ErrInvalidLength
	}
	cipher, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	// 1) Initialize variables.
	//     Set A = IV, an initial value (see 2.2.3)
	//     For i = 1 to n
	//         R[i] = P[i]
	A := make([]byte, 8)
	B := make([]byte, 16)
	R := make([]byte, len(in)+8)
	copy(A, rfc3394iv)
	copy(R[8:], in)

	// 2) Calculate intermediate values.
	//
	//     For j = 0 to 5
	//         For i=1 to n
	//             B = AES(K, A | R[i])
	//             A = MSB(64, B) ^ t where t = (n*j)+i
	//             R[i] = LSB(64, B)
	n := len(in) / 8
	for j := 0; j <= 5; j++ {
		for i := 1; i <= n; i++ {
			copy(B, A)
			copy(B[8:], R[8*i:])
			cipher.Encrypt(B, B)
			copy(A, B)
			xorCounter(A, uint64(n*j+i))
			copy(R[8*i:], B[8:])
		}
	}

	// 3) Output the results.
	copy(R, A)
	return R, nil
}

// Unwrap will unwrap the value in "in" with the key "kek".
func Unwrap(kek []byte, in []byte) ([]byte, error) {
	if len(in) < 24 || len(in)%8 != 0 {
		return nil, ErrInvalidLength
	}
	cipher, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	// 1) Initialize variables.
	//
	//        Set A = C[0]
	//        For i = 1 to n
	//            R[i] = C[i]
	A := make([]byte, 8)
	B := make([]byte, 16)
	R := make([]byte, len(in))
	copy(A, in)
	copy(R, in)

	//    2) Compute intermediate values.
	//
	//        For j = 5 to 0
	//            For i = n to 1
	//                B = AES-1(K, (A ^ t) | R[i]) where t = n*j+i
	//                A = MSB(64, B)
	//                R[i] = LSB(64, B)
	n := len(in)/8 - 1
	for j := 5; j >= 0; j-- {
		for i := n; i > 0; i-- {
			copy(B, A)
			xorCounter(B[:8], uint64(n*j+i))
			copy(B[8:], R[i*8:])
			cipher.Decrypt(B, B)
			copy(A, B)
			copy(R[i*8:], B[8:])
		}
	}

	//    3) Output results.
	//
	//    If A is an appropriate initial value (see 2.2.3),
	//    Then
	//        For i = 1 to n
	//            P[i] = R[i]
	//    Else
	//        Return an error
	if subtle.ConstantTimeCompare(A, rfc3394iv) != 1 {
		return nil, ErrUnwrapFailed
	}
	return R[8:], nil
}
