// Package zipstore assembles uncompressed ("stored", method 0) ZIP archives
// in memory. Only the classic 32-bit record layout is produced: no data
// descriptors, no extra fields, no comments and no ZIP64 records.
package zipstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Record signatures and fixed sizes from the ZIP application note.
const (
	LocalHeaderSignature   = 0x04034b50
	CentralHeaderSignature = 0x02014b50
	EndOfCentralSignature  = 0x06054b50

	LocalHeaderSize   = 30
	CentralHeaderSize = 46
	EndOfCentralSize  = 22

	// zipVersion is 2.0, the minimum that readers accept for stored entries.
	zipVersion = 20
	// methodStore is compression method 0.
	methodStore = 0
)

var (
	// ErrTooManyEntries is returned when the entry count does not fit in the
	// 16-bit end-of-central-directory fields.
	ErrTooManyEntries = errors.New("zipstore: more than 65535 entries")

	// ErrTooLarge is returned when a size or offset does not fit in 32 bits.
	ErrTooLarge = errors.New("zipstore: archive exceeds 4 GiB")

	// ErrNameTooLong is returned when an encoded entry name exceeds 65535 bytes.
	ErrNameTooLong = errors.New("zipstore: entry name too long")
)

// FileEntry is one file to place in the archive. Names are not checked for
// uniqueness; duplicate names produce duplicate entries.
type FileEntry struct {
	Name string
	Data []byte
}

type buildOptions struct {
	modified time.Time
}

// Option configures Build.
type Option func(*buildOptions)

// WithModified sets the modification time stamped on every entry.
// The default is the time Build is called.
func WithModified(t time.Time) Option {
	return func(o *buildOptions) {
		o.modified = t
	}
}

// entryLayout is what the central directory needs to know about an entry
// once its local record has been written.
type entryLayout struct {
	name   []byte
	crc    uint32
	size   uint32
	offset uint32
}

// Build returns a complete stored ZIP archive holding files in input order.
// An empty slice yields a valid empty archive of exactly 22 bytes.
// @MX:WARN: [AUTO] Inputs and the finished archive are held in memory together
// @MX:REASON: Offsets and sizes are 32-bit and the caller delivers one byte slice
func Build(files []FileEntry, opts ...Option) ([]byte, error) {
	o := buildOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.modified.IsZero() {
		o.modified = time.Now()
	}
	dosTime, dosDate := DOSTimeDate(o.modified)

	if len(files) > math.MaxUint16 {
		return nil, ErrTooManyEntries
	}

	layouts := make([]entryLayout, len(files))
	var localSize, centralSize uint64
	for i, f := range files {
		// Go strings are already UTF-8; the byte conversion is the encoding step.
		name := []byte(f.Name)
		if len(name) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: entry %d (%d bytes)", ErrNameTooLong, i, len(name))
		}
		if uint64(len(f.Data)) > math.MaxUint32 || localSize > math.MaxUint32 {
			return nil, fmt.Errorf("%w: entry %d %q", ErrTooLarge, i, f.Name)
		}
		layouts[i] = entryLayout{
			name:   name,
			crc:    Checksum(f.Data),
			size:   uint32(len(f.Data)),
			offset: uint32(localSize),
		}
		localSize += uint64(LocalHeaderSize + len(name) + len(f.Data))
		centralSize += uint64(CentralHeaderSize + len(name))
	}
	if localSize > math.MaxUint32 || centralSize > math.MaxUint32 {
		return nil, ErrTooLarge
	}

	out := make([]byte, 0, localSize+centralSize+EndOfCentralSize)

	for i, f := range files {
		out = appendLocalHeader(out, layouts[i], dosTime, dosDate)
		out = append(out, layouts[i].name...)
		out = append(out, f.Data...)
	}

	centralStart := uint32(len(out))
	for _, l := range layouts {
		out = appendCentralHeader(out, l, dosTime, dosDate)
		out = append(out, l.name...)
	}

	out = appendEndOfCentral(out, uint16(len(files)), uint32(centralSize), centralStart)
	return out, nil
}

func appendLocalHeader(b []byte, l entryLayout, dosTime, dosDate uint16) []byte {
	le := binary.LittleEndian
	b = le.AppendUint32(b, LocalHeaderSignature)
	b = le.AppendUint16(b, zipVersion) // version needed to extract
	b = le.AppendUint16(b, 0)          // general purpose flags
	b = le.AppendUint16(b, methodStore)
	b = le.AppendUint16(b, dosTime)
	b = le.AppendUint16(b, dosDate)
	b = le.AppendUint32(b, l.crc)
	b = le.AppendUint32(b, l.size) // compressed size
	b = le.AppendUint32(b, l.size) // uncompressed size
	b = le.AppendUint16(b, uint16(len(l.name)))
	b = le.AppendUint16(b, 0) // extra field length
	return b
}

func appendCentralHeader(b []byte, l entryLayout, dosTime, dosDate uint16) []byte {
	le := binary.LittleEndian
	b = le.AppendUint32(b, CentralHeaderSignature)
	b = le.AppendUint16(b, zipVersion) // version made by
	b = le.AppendUint16(b, zipVersion) // version needed to extract
	b = le.AppendUint16(b, 0)
	b = le.AppendUint16(b, methodStore)
	b = le.AppendUint16(b, dosTime)
	b = le.AppendUint16(b, dosDate)
	b = le.AppendUint32(b, l.crc)
	b = le.AppendUint32(b, l.size)
	b = le.AppendUint32(b, l.size)
	b = le.AppendUint16(b, uint16(len(l.name)))
	b = le.AppendUint16(b, 0) // extra field length
	b = le.AppendUint16(b, 0) // comment length
	b = le.AppendUint16(b, 0) // disk number start
	b = le.AppendUint16(b, 0) // internal attributes
	b = le.AppendUint32(b, 0) // external attributes
	b = le.AppendUint32(b, l.offset)
	return b
}

func appendEndOfCentral(b []byte, entries uint16, centralSize, centralStart uint32) []byte {
	le := binary.LittleEndian
	b = le.AppendUint32(b, EndOfCentralSignature)
	b = le.AppendUint16(b, 0) // number of this disk
	b = le.AppendUint16(b, 0) // disk where central directory starts
	b = le.AppendUint16(b, entries)
	b = le.AppendUint16(b, entries)
	b = le.AppendUint32(b, centralSize)
	b = le.AppendUint32(b, centralStart)
	b = le.AppendUint16(b, 0) // comment length
	return b
}
