// Package kvarchive deserializes NSKeyedArchiver plists into generic objects.
//
// Backups store per-file metadata (MBFile) in this form, with the wrapped file
// key held as NSData under EncryptionKey.
package kvarchive

import (
	"errors"
	"fmt"
	"io"

	"github.com/dunhamsteve/plist"
)

var ErrNotKeyedArchive = errors.New("kvarchive: not a NSKeyedArchiver archive")

type KVArchiveTop struct {
	Root plist.UID `plist:"root"`
}

type KVArchive struct {
	Archiver string        `plist:"$archiver"`
	Top      KVArchiveTop  `plist:"$top"`
	Objects  []interface{} `plist:"$objects"`
	Version  int           `plist:"$version"`
}

func (kv *KVArchive) coerce(v interface{}) (interface{}, error) {
	if uid, ok := v.(plist.UID); ok {
		return kv.GetObject(uid)
	}
	return v, nil
}

func (kv *KVArchive) object(index int) (interface{}, error) {
	if index < 0 || index >= len(kv.Objects) {
		return nil, fmt.Errorf("kvarchive: object %d out of range", index)
	}
	return kv.Objects[index], nil
}

func (kv *KVArchive) className(m map[string]interface{}) (string, error) {
	uid, ok := m["$class"].(plist.UID)
	if !ok {
		return "", errors.New("kvarchive: object without $class")
	}
	c, err := kv.object(int(uid.Value()))
	if err != nil {
		return "", err
	}
	cm, ok := c.(map[string]interface{})
	if !ok {
		return "", errors.New("kvarchive: bad class object")
	}
	name, _ := cm["$classname"].(string)
	return name, nil
}

// GetObject resolves uid into a generic value. Dictionaries become
// map[interface{}]interface{}, data []byte, arrays []interface{} and other
// classes map[string]interface{} with a "_type" entry.
func (kv *KVArchive) GetObject(uid plist.UID) (interface{}, error) {
	v, err := kv.object(int(uid.Value()))
	if err != nil {
		return nil, err
	}
	if s, ok := v.(string); ok && s == "$null" {
		return nil, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return v, nil
	}
	className, err := kv.className(m)
	if err != nil {
		return nil, err
	}

	switch className {
	case "NSMutableDictionary", "NSDictionary":
		keys, _ := m["NS.keys"].([]interface{})
		values, _ := m["NS.objects"].([]interface{})
		if len(keys) != len(values) {
			return nil, errors.New("kvarchive: dictionary keys and objects differ in length")
		}
		rval := make(map[interface{}]interface{}, len(keys))
		for i := range keys {
			key, err := kv.coerce(keys[i])
			if err != nil {
				return nil, err
			}
			value, err := kv.coerce(values[i])
			if err != nil {
				return nil, err
			}
			rval[key] = value
		}
		return rval, nil
	case "NSMutableData", "NSData":
		return m["NS.data"], nil
	case "NSMutableArray", "NSArray":
		values, _ := m["NS.objects"].([]interface{})
		rval := make([]interface{}, len(values))
		for i, v := range values {
			if rval[i], err = kv.coerce(v); err != nil {
				return nil, err
			}
		}
		return rval, nil
	case "NSMutableString", "NSString":
		return m["NS.string"], nil
	case "NSDate":
		t, _ := m["NS.time"].(float64)
		return int64(t) + 978307200, nil
	default:
		rval := make(map[string]interface{})
		rval["_type"] = className
		for k, v := range m {
			if k[0] == '$' {
				continue
			}
			if rval[k], err = kv.coerce(v); err != nil {
				return nil, err
			}
		}
		return rval, nil
	}
}

// UnArchive deserializes a plist into a graph of generic objects (maps/arrays/etc.)
func UnArchive(r io.ReadSeeker) (interface{}, error) {
	data := new(KVArchive)
	if err := plist.Unmarshal(r, data); err != nil {
		return nil, err
	}
	if data.Archiver != "NSKeyedArchiver" {
		return nil, ErrNotKeyedArchive
	}
	return data.GetObject(data.Top.Root)
}

// Int reads an integer field from an unarchived object.
func Int(obj map[string]interface{}, key string) (int64, bool) {
	switch v := obj[key].(type) {
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	case int:
		return int64(v), true
	}
	return 0, false
}

// Bytes reads a data field from an unarchived object.
func Bytes(obj map[string]interface{}, key string) []byte {
	b, _ := obj[key].([]byte)
	return b
}

// String reads a string field from an unarchived object.
func String(obj map[string]interface{}, key string) string {
	s, _ := obj[key].(string)
	return s
}
