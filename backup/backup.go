// The backup package wraps an iOS backup directory. Manifest.plist holds the
// backup keybag; the file list is Manifest.db (iOS 10 and later, itself
// encrypted with ManifestKey) or Manifest.mbdb on older backups.
package backup

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dunhamsteve/plist"
	"github.com/google/logger"

	"github.com/dunhamsteve/iosprotect/crypto/aescbc"
	"github.com/dunhamsteve/iosprotect/keybag"
)

var (
	be = binary.BigEndian
	le = binary.LittleEndian
)

var (
	ErrNotEncrypted = errors.New("backup: backup is not encrypted")
	ErrNoManifest   = errors.New("backup: no Manifest.db or Manifest.mbdb")
)

// Files table flags.
const (
	FlagFile      = 1
	FlagDirectory = 2
	FlagSymlink   = 4
)

type MetaData struct {
	Mode          uint16
	Inode         uint64
	Uid           uint32
	Gid           uint32
	Mtime         uint32
	Atime         uint32
	Ctime         uint32
	Length        uint64
	ProtClass     uint8
	PropertyCount uint8
}

type Record struct {
	MetaData
	FileID     string
	Domain     string
	Path       string
	LinkTarget string
	Digest     []byte
	Flags      int
	// Key is the 4 byte little endian class followed by the wrapped file key.
	Key        []byte
	Properties map[string][]byte
}

func (r *Record) HashCode() string {
	if r.FileID != "" {
		return r.FileID
	}
	sum := sha1.Sum([]byte(r.Domain + "-" + r.Path))
	return hex.EncodeToString(sum[:])
}

func (r *Record) IsFile() bool {
	if r.Flags != 0 {
		return r.Flags == FlagFile
	}
	return r.Mode&0xF000 == 0x8000
}

type Manifest struct {
	BackupKeyBag []byte
	ManifestKey  []byte
	Lockdown     struct {
		DeviceName     string
		ProductVersion string
		UniqueDeviceID string
	}
	Applications map[string]map[string]interface{}
	IsEncrypted  bool
}

type MobileBackup struct {
	Dir      string
	Manifest Manifest
	Records  []Record
	Keybag   *keybag.Keybag
}

// Open reads Manifest.plist from dir and decodes the backup keybag.
func Open(dir string) (*MobileBackup, error) {
	backup := &MobileBackup{Dir: dir}
	r, err := os.Open(filepath.Join(dir, "Manifest.plist"))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if err := plist.Unmarshal(r, &backup.Manifest); err != nil {
		return nil, fmt.Errorf("backup: Manifest.plist: %w", err)
	}
	if backup.Manifest.IsEncrypted {
		backup.Keybag, err = keybag.Decode(backup.Manifest.BackupKeyBag)
		if err != nil {
			return nil, fmt.Errorf("backup: %w", err)
		}
	}
	return backup, nil
}

// SetPassword unlocks the backup keybag.
func (mb *MobileBackup) SetPassword(password string) error {
	if mb.Keybag == nil {
		return ErrNotEncrypted
	}
	res, err := mb.Keybag.UnlockBackupWithPasscode(password)
	if err != nil {
		return err
	}
	logger.Infof("backup: unlocked classes %v", res.Resolved)
	return nil
}

// Load reads the file list.
func (mb *MobileBackup) Load() error {
	var err error
	if _, serr := os.Stat(filepath.Join(mb.Dir, "Manifest.db")); serr == nil {
		mb.Records, err = mb.readManifestDB()
		return err
	}
	f, err := os.Open(filepath.Join(mb.Dir, "Manifest.mbdb"))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNoManifest
	}
	if err != nil {
		return err
	}
	defer f.Close()
	mb.Records, err = readMBDB(f)
	return err
}

// FileKey unwraps the per-file key of rec through its protection class.
func (mb *MobileBackup) FileKey(rec Record) ([]byte, error) {
	if mb.Keybag == nil {
		return nil, ErrNotEncrypted
	}
	if len(rec.Key) < 4 {
		return nil, fmt.Errorf("backup: no key for %s-%s", rec.Domain, rec.Path)
	}
	key, err := mb.Keybag.Unwrap(uint32(rec.ProtClass), rec.Key[4:])
	if errors.Is(err, keybag.ErrKeybagLocked) {
		logger.Warningf("backup: locked key for protection class %d", rec.ProtClass)
	}
	return key, err
}

// filePath finds the stored copy of rec: hashed subdirectories on iOS 10 and
// later, flat before.
func (mb *MobileBackup) filePath(rec Record) string {
	id := rec.HashCode()
	nested := filepath.Join(mb.Dir, id[:2], id)
	if _, err := os.Stat(nested); err == nil {
		return nested
	}
	return filepath.Join(mb.Dir, id)
}

// ReadFile returns the decrypted contents of rec.
func (mb *MobileBackup) ReadFile(rec Record) ([]byte, error) {
	data, err := os.ReadFile(mb.filePath(rec))
	if err != nil {
		return nil, err
	}
	if mb.Keybag == nil {
		return data, nil
	}
	key, err := mb.FileKey(rec)
	if err != nil {
		return nil, err
	}
	plain, err := aescbc.Decrypt(key, data, nil, true)
	if err != nil {
		return nil, fmt.Errorf("backup: %s: %w", rec.Path, err)
	}
	if rec.Length > 0 && uint64(len(plain)) > rec.Length {
		plain = plain[:rec.Length]
	}
	return plain, nil
}

func (mb *MobileBackup) Domains() []string {
	domains := make(map[string]bool)
	for _, rec := range mb.Records {
		domains[rec.Domain] = true
	}
	rval := make([]string, 0, len(domains))
	for k := range domains {
		rval = append(rval, k)
	}
	sort.Strings(rval)
	return rval
}

type Backup struct {
	DeviceName string
	FileName   string
}

// DefaultRoot is where iTunes and Finder keep backups.
func DefaultRoot() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library/Application Support/MobileSync/Backup")
}

// Enumerate lists the backups under root.
func Enumerate(root string) ([]Backup, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var all []Backup
	for _, fi := range entries {
		if !fi.IsDir() {
			continue
		}
		r, err := os.Open(filepath.Join(root, fi.Name(), "Manifest.plist"))
		if err != nil {
			continue
		}
		var manifest Manifest
		err = plist.Unmarshal(r, &manifest)
		r.Close()
		if err == nil {
			all = append(all, Backup{manifest.Lockdown.DeviceName, fi.Name()})
		}
	}
	return all, nil
}
