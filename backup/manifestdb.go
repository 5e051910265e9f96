package backup

import (
	"bytes"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/logger"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dunhamsteve/iosprotect/crypto/aescbc"
	"github.com/dunhamsteve/iosprotect/kvarchive"
)

// manifestKey unwraps ManifestKey: a little endian class followed by the
// wrapped database key.
func (mb *MobileBackup) manifestKey() ([]byte, error) {
	mk := mb.Manifest.ManifestKey
	if len(mk) < 4 {
		return nil, fmt.Errorf("backup: short ManifestKey")
	}
	return mb.Keybag.Unwrap(le.Uint32(mk), mk[4:])
}

// openManifestDB returns a path sqlite can open, decrypting Manifest.db into
// a temporary file when the backup has a ManifestKey.
func (mb *MobileBackup) openManifestDB() (string, func(), error) {
	path := filepath.Join(mb.Dir, "Manifest.db")
	if mb.Keybag == nil || len(mb.Manifest.ManifestKey) == 0 {
		return path, func() {}, nil
	}

	key, err := mb.manifestKey()
	if err != nil {
		return "", nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	plain, err := aescbc.Decrypt(key, data, nil, false)
	if err != nil {
		return "", nil, fmt.Errorf("backup: Manifest.db: %w", err)
	}

	tmp, err := os.CreateTemp("", "Manifest-*.db")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.Remove(tmp.Name()) }
	_, err = tmp.Write(plain)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		return "", nil, err
	}
	return tmp.Name(), cleanup, nil
}

func (mb *MobileBackup) readManifestDB() ([]Record, error) {
	path, cleanup, err := mb.openManifestDB()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT fileID, domain, relativePath, flags, file FROM Files ORDER BY domain, relativePath`)
	if err != nil {
		return nil, fmt.Errorf("backup: Manifest.db: %w", err)
	}
	defer rows.Close()

	var rval []Record
	for rows.Next() {
		var rec Record
		var blob []byte
		if err := rows.Scan(&rec.FileID, &rec.Domain, &rec.Path, &rec.Flags, &blob); err != nil {
			return nil, err
		}
		if len(blob) > 0 {
			if err := rec.setFileInfo(blob); err != nil {
				logger.Warningf("backup: %s-%s: %v", rec.Domain, rec.Path, err)
			}
		}
		rval = append(rval, rec)
	}
	return rval, rows.Err()
}

// setFileInfo fills rec from the archived MBFile stored in the file column.
func (rec *Record) setFileInfo(blob []byte) error {
	v, err := kvarchive.UnArchive(bytes.NewReader(blob))
	if err != nil {
		return err
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected %T in file column", v)
	}
	if n, ok := kvarchive.Int(obj, "ProtectionClass"); ok {
		rec.ProtClass = uint8(n)
	}
	if n, ok := kvarchive.Int(obj, "Size"); ok {
		rec.Length = uint64(n)
	}
	if n, ok := kvarchive.Int(obj, "Mode"); ok {
		rec.Mode = uint16(n)
	}
	if n, ok := kvarchive.Int(obj, "InodeNumber"); ok {
		rec.Inode = uint64(n)
	}
	if n, ok := kvarchive.Int(obj, "LastModified"); ok {
		rec.Mtime = uint32(n)
	}
	rec.LinkTarget = kvarchive.String(obj, "Target")
	rec.Key = kvarchive.Bytes(obj, "EncryptionKey")
	return nil
}
