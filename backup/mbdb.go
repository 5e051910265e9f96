package backup

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var mbdbMagic = []byte("mbdb\x05\x00")

type dbReader struct {
	io.Reader
	err error
}

func (r *dbReader) read(v interface{}) {
	if r.err == nil {
		r.err = binary.Read(r, be, v)
	}
}

func (r *dbReader) readData() []byte {
	var l uint16
	r.read(&l)
	if r.err != nil || l == 0xffff {
		return nil
	}
	buf := make([]byte, l)
	_, r.err = io.ReadFull(r, buf)
	return buf
}

func (r *dbReader) readRecord() Record {
	var rec Record
	rec.Domain = string(r.readData())
	rec.Path = string(r.readData())
	rec.LinkTarget = string(r.readData())
	rec.Digest = r.readData()
	rec.Key = r.readData()
	r.read(&rec.MetaData)
	rec.Properties = make(map[string][]byte)
	for i := uint8(0); i < rec.PropertyCount && r.err == nil; i++ {
		rec.Properties[string(r.readData())] = r.readData()
	}
	return rec
}

// readMBDB parses a pre iOS 10 Manifest.mbdb.
func readMBDB(r io.Reader) ([]Record, error) {
	header := make([]byte, len(mbdbMagic))
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("backup: mbdb header: %w", err)
	}
	if string(header) != string(mbdbMagic) {
		return nil, errors.New("backup: not an mbdb file")
	}
	dbr := &dbReader{Reader: r}
	var rval []Record
	for {
		rec := dbr.readRecord()
		if dbr.err == io.EOF && rec.Domain == "" {
			return rval, nil
		}
		if dbr.err != nil {
			return rval, fmt.Errorf("backup: mbdb record %d: %w", len(rval), dbr.err)
		}
		rval = append(rval, rec)
	}
}
