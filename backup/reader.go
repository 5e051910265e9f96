package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"io"
	"os"

	"github.com/dunhamsteve/iosprotect/crypto/aescbc"
)

const chunkSize = 4096

// FileReader streams the decrypted contents of rec.
func (mb *MobileBackup) FileReader(rec Record) (io.ReadCloser, error) {
	f, err := os.Open(mb.filePath(rec))
	if err != nil {
		return nil, err
	}
	if mb.Keybag == nil {
		return f, nil
	}
	key, err := mb.FileKey(rec)
	if err != nil {
		f.Close()
		return nil, err
	}
	mode, err := aescbc.NewDecrypter(key, nil)
	if err != nil {
		f.Close()
		return nil, err
	}
	var r io.Reader = &reader{r: f, mode: mode}
	if rec.Length > 0 {
		r = io.LimitReader(r, int64(rec.Length))
	}
	return struct {
		io.Reader
		io.Closer
	}{r, f}, nil
}

// CBC+PKCS7 reader. The last decrypted block is held back until we know
// whether it carries the padding.
type reader struct {
	r    io.Reader
	mode cipher.BlockMode
	buf  []byte
	held []byte
	eof  bool
	err  error
}

func (r *reader) fill() error {
	chunk := make([]byte, chunkSize)
	n, err := io.ReadFull(r.r, chunk)
	chunk = chunk[:n]
	if n%aes.BlockSize != 0 {
		return errors.New("backup: ciphertext is not a multiple of the block size")
	}
	r.mode.CryptBlocks(chunk, chunk)
	data := append(r.held, chunk...)

	switch err {
	case nil:
		cut := len(data) - aes.BlockSize
		r.buf = data[:cut]
		r.held = append([]byte(nil), data[cut:]...)
		return nil
	case io.EOF, io.ErrUnexpectedEOF:
		r.eof = true
		r.held = nil
		if len(data) == 0 {
			return nil
		}
		r.buf, err = aescbc.Unpad(data)
		return err
	}
	return err
}

func (r *reader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.eof {
			return 0, io.EOF
		}
		r.err = r.fill()
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
