// Package rdb reads the Redis RDB snapshot format: the magic header, a
// stream of opcodes selecting a database, setting a key's expiry, or
// terminating the file, and length-prefixed string objects. Only the
// string value type is materialized. The legacy multi-element types
// (list, set, zset, hash: type bytes 1-4) fail with ErrNotImplemented;
// any other type byte is consumed as one length-prefixed blob and not
// surfaced.
package rdb

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"time"
)

// Opcodes a top-level RDB decode loop must recognize, per the RDB file
// format used by real Redis servers.
const (
	opCodeAux          = 0xFA
	opCodeResizeDB     = 0xFB
	opCodeExpireTimeMS = 0xFC
	opCodeExpireTime   = 0xFD
	opCodeSelectDB     = 0xFE
	opCodeEOF          = 0xFF
)

// typeString is the only value-type byte this reader materializes.
const typeString = 0x00

// Length-encoding forms, keyed off the top two bits of the first byte.
const (
	len6Bit         = 0b00000000
	len14Bit        = 0b01000000
	len32Or64Bit    = 0b10000000
	lenSpecialForm  = 0b11000000
	lenTopTwoBits   = 0b11000000
	len32BitMarker  = 0b10000000
	len64BitMarker  = 0b10000001
	specialInt8     = 0
	specialInt16    = 1
	specialInt32    = 2
	specialLZF      = 3
)

// Entry is a single key's stored payload and optional expiry, as decoded
// from an RDB string-type record.
type Entry struct {
	Payload []byte
	Expiry  *time.Time
}

// Snapshot is the parsed contents of an RDB file: every database that
// contained at least one string key, keyed by database index.
type Snapshot struct {
	Databases map[int]map[string]Entry
}

// ReadFile opens path and parses it as an RDB file.
func ReadFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read parses an RDB stream from r, verifying the trailing CRC64 checksum
// against every byte consumed (version 5+ files only; a stored checksum of
// 0 means the writer disabled checksumming, same as real Redis).
func Read(r io.Reader) (*Snapshot, error) {
	br := bufio.NewReader(r)
	dec := &decoder{r: br, digest: newCRC64Jones()}

	header, err := dec.readExact(9)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRedisDatabase, err)
	}
	if string(header[:5]) != "REDIS" {
		return nil, ErrNotRedisDatabase
	}
	dec.version = parseVersion(header[5:9])
	version := dec.version

	snap := &Snapshot{Databases: make(map[int]map[string]Entry)}

	var currentDB int
	haveDB := false
	var pendingExpiry *time.Time

	for {
		opcode, err := dec.readByte()
		if err != nil {
			return nil, err
		}

		switch opcode {
		case opCodeAux:
			if _, err := dec.readString(); err != nil {
				return nil, err
			}
			if _, err := dec.readString(); err != nil {
				return nil, err
			}

		case opCodeResizeDB:
			if _, err := dec.readLength(); err != nil {
				return nil, err
			}
			if _, err := dec.readLength(); err != nil {
				return nil, err
			}

		case opCodeExpireTimeMS:
			if !haveDB {
				return nil, ErrAttemptReadKeyWithoutDatabaseSelected
			}
			ms, err := dec.readUint64LE()
			if err != nil {
				return nil, err
			}
			t := time.UnixMilli(int64(ms))
			pendingExpiry = &t

		case opCodeExpireTime:
			if !haveDB {
				return nil, ErrAttemptReadKeyWithoutDatabaseSelected
			}
			sec, err := dec.readUint32LE()
			if err != nil {
				return nil, err
			}
			t := time.Unix(int64(sec), 0)
			pendingExpiry = &t

		case opCodeSelectDB:
			n, err := dec.readLength()
			if err != nil {
				return nil, err
			}
			currentDB = int(n)
			haveDB = true

		case opCodeEOF:
			if version >= 5 {
				computed := dec.digest.Sum64()
				trailer := make([]byte, 8)
				if _, err := io.ReadFull(br, trailer); err != nil {
					return nil, fmt.Errorf("%w: reading trailing crc64: %v", ErrIoError, err)
				}
				stored := binary.LittleEndian.Uint64(trailer)
				if stored != 0 && stored != computed {
					return nil, fmt.Errorf("%w: crc64 checksum mismatch", ErrIoError)
				}
			}
			return snap, nil

		default:
			if !haveDB {
				return nil, ErrAttemptReadKeyWithoutDatabaseSelected
			}

			key, err := dec.readString()
			if err != nil {
				return nil, err
			}

			if opcode != typeString {
				// Not the string type: never surfaced. Types 1-4 are
				// rejected; other types are skipped as one blob.
				if err := dec.skipUnhandledValue(opcode); err != nil {
					return nil, err
				}
				pendingExpiry = nil
				continue
			}

			value, err := dec.readString()
			if err != nil {
				return nil, err
			}

			if snap.Databases[currentDB] == nil {
				snap.Databases[currentDB] = make(map[string]Entry)
			}
			snap.Databases[currentDB][key] = Entry{
				Payload: []byte(value),
				Expiry:  pendingExpiry,
			}
			pendingExpiry = nil
		}
	}
}

func parseVersion(b []byte) int {
	v := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0
		}
		v = v*10 + int(c-'0')
	}
	return v
}

// EmptyRDB returns the canonical 88-byte empty-database RDB payload used
// to satisfy a PSYNC FULLRESYNC when the server has no snapshot on disk.
func EmptyRDB() []byte {
	b, err := hex.DecodeString(emptyRDBHex)
	if err != nil {
		// The constant is fixed at compile time; a decode failure here
		// would mean the literal itself was corrupted.
		panic("rdb: invalid empty rdb hex literal: " + err.Error())
	}
	return b
}

const emptyRDBHex = "524544495330303131fa0972656469732d76657205372e322e30fa0a72656469732d62697473c040fa056374696d65c26d08bc65fa08757365642d6d656dc2b0c41000fa08616f662d62617365c000fff06e3bfec0ff5aa2"

type decoder struct {
	r       *bufio.Reader
	version int
	// digest accumulates every byte this decoder consumes (header
	// included), so Read can verify the trailing CRC64 without a second
	// pass over the stream.
	digest hash.Hash64
}

// readExact reads exactly n bytes and feeds them to the running digest.
func (d *decoder) readExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIoError, err)
	}
	if d.digest != nil {
		d.digest.Write(buf)
	}
	return buf, nil
}

func (d *decoder) readByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIoError, err)
	}
	if d.digest != nil {
		d.digest.Write([]byte{b})
	}
	return b, nil
}

func (d *decoder) readUint32LE() (uint32, error) {
	buf, err := d.readExact(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

func (d *decoder) readUint64LE() (uint64, error) {
	buf, err := d.readExact(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// readLength decodes one length-encoded integer: the top two bits of the
// first byte select among 6-bit, 14-bit, 32/64-bit, or special-format
// encodings. Special-format values (signed integers and LZF strings) are
// only meaningful to readString and are rejected here.
func (d *decoder) readLength() (uint64, error) {
	n, special, err := d.readLengthOrSpecial()
	if err != nil {
		return 0, err
	}
	if special {
		return 0, fmt.Errorf("%w: length encoding is special-form where a plain length was expected", ErrInvalidLengthEncoding)
	}
	return n, nil
}

func (d *decoder) readLengthOrSpecial() (value uint64, special bool, err error) {
	b0, err := d.readByte()
	if err != nil {
		return 0, false, err
	}

	switch b0 & lenTopTwoBits {
	case len6Bit:
		return uint64(b0 & 0x3F), false, nil
	case len14Bit:
		b1, err := d.readByte()
		if err != nil {
			return 0, false, err
		}
		return uint64(b0&0x3F)<<8 | uint64(b1), false, nil
	case len32Or64Bit:
		switch b0 {
		case len32BitMarker:
			n, err := d.readUint32LE()
			return uint64(n), false, err
		case len64BitMarker:
			n, err := d.readUint64LE()
			return n, false, err
		default:
			return 0, false, fmt.Errorf("%w: %08b", ErrInvalidLengthEncoding, b0)
		}
	case lenSpecialForm:
		return uint64(b0 & 0x3F), true, nil
	default:
		return 0, false, fmt.Errorf("%w: %08b", ErrInvalidLengthEncoding, b0)
	}
}

// readString decodes a length-prefixed string object, including the
// special integer encodings. LZF-compressed strings are not supported.
func (d *decoder) readString() (string, error) {
	length, special, err := d.readLengthOrSpecial()
	if err != nil {
		return "", err
	}

	if !special {
		buf, err := d.readExact(int(length))
		if err != nil {
			return "", err
		}
		return string(buf), nil
	}

	switch length {
	case specialInt8:
		b, err := d.readByte()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", int8(b)), nil
	case specialInt16:
		buf, err := d.readExact(2)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", int16(binary.LittleEndian.Uint16(buf))), nil
	case specialInt32:
		n, err := d.readUint32LE()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", int32(n)), nil
	case specialLZF:
		return "", ErrNotImplemented
	default:
		return "", fmt.Errorf("%w: special format %d", ErrSpecialFormatInvalidIntEncoded, length)
	}
}

// skipUnhandledValue consumes the bytes of a value whose type this reader
// does not materialize, so the decode loop stays aligned to the next
// opcode or key. It understands only enough of each container encoding to
// count off the right number of length-prefixed strings; it does not
// interpret ziplist/listpack/intset internals, which is sufficient for
// this server's sole purpose of skipping past them.
func (d *decoder) skipUnhandledValue(valueType byte) error {
	// Every non-string type in the formats this server may encounter is
	// still fundamentally a sequence of length-prefixed strings (lists,
	// sets) or pairs of them (hashes, zsets), or a single opaque blob
	// (ziplist/listpack/intset encodings). Treating it as one opaque
	// string consumes exactly the bytes the encoder wrote for container
	// types that serialize as a single length-prefixed blob; true
	// multi-element legacy encodings (TypeList, TypeSet, TypeHash,
	// TypeZset) are rejected explicitly since they are not length-framed
	// the same way and cannot be skipped without full decoding.
	switch valueType {
	case 1, 2, 3, 4: // TypeList, TypeSet, TypeZset, TypeHash (legacy, multi-field)
		return fmt.Errorf("%w: value type %d", ErrNotImplemented, valueType)
	default:
		_, err := d.readString()
		if err == ErrNotImplemented {
			return err
		}
		return err
	}
}
