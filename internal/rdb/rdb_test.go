package rdb

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildRDB assembles a minimal valid RDB stream for test fixtures: magic
// header, a SELECTDB opcode, the given raw records, and an EOF opcode
// (with a zeroed trailing CRC64 for version >= 5, matching real writers
// that always emit the checksum field once the version supports it).
func buildRDB(version string, records ...[]byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("REDIS")
	buf.WriteString(version)
	buf.WriteByte(opCodeSelectDB)
	buf.WriteByte(0x00) // db 0, 6-bit length encoding
	for _, r := range records {
		buf.Write(r)
	}
	buf.WriteByte(opCodeEOF)
	buf.Write(make([]byte, 8)) // crc64 placeholder
	return buf.Bytes()
}

func sixBitString(s string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
	return buf.Bytes()
}

func stringRecord(key, value string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(typeString)
	buf.Write(sixBitString(key))
	buf.Write(sixBitString(value))
	return buf.Bytes()
}

func TestReadPlainStringKey(t *testing.T) {
	data := buildRDB("0011", stringRecord("foo", "bar"))

	snap, err := Read(bytes.NewReader(data))
	require.NoError(t, err)

	require.Contains(t, snap.Databases, 0)
	entry, ok := snap.Databases[0]["foo"]
	require.True(t, ok)
	assert.Equal(t, []byte("bar"), entry.Payload)
	assert.Nil(t, entry.Expiry)
}

func TestReadKeyWithMillisecondExpiry(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(opCodeExpireTimeMS)
	expiryMS := uint64(1893456000000) // 2030-01-01T00:00:00Z
	var tbuf [8]byte
	binary.LittleEndian.PutUint64(tbuf[:], expiryMS)
	buf.Write(tbuf[:])
	buf.Write(stringRecord("withExpiry", "v"))

	data := buildRDB("0011", buf.Bytes())
	snap, err := Read(bytes.NewReader(data))
	require.NoError(t, err)

	entry, ok := snap.Databases[0]["withExpiry"]
	require.True(t, ok)
	require.NotNil(t, entry.Expiry)
	assert.Equal(t, time.UnixMilli(int64(expiryMS)).Unix(), entry.Expiry.Unix())
}

func TestReadKeyWithSecondExpiry(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(opCodeExpireTime)
	expirySec := uint32(1893456000)
	var tbuf [4]byte
	binary.LittleEndian.PutUint32(tbuf[:], expirySec)
	buf.Write(tbuf[:])
	buf.Write(stringRecord("withExpiry", "v"))

	data := buildRDB("0011", buf.Bytes())
	snap, err := Read(bytes.NewReader(data))
	require.NoError(t, err)

	entry, ok := snap.Databases[0]["withExpiry"]
	require.True(t, ok)
	require.NotNil(t, entry.Expiry)
	assert.Equal(t, int64(expirySec), entry.Expiry.Unix())
}

func TestReadRejectsBadMagic(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("NOTREDIS0011\xff")))
	assert.ErrorIs(t, err, ErrNotRedisDatabase)
}

func TestReadAuxAndResizeDBOpcodesAreSkipped(t *testing.T) {
	var aux bytes.Buffer
	aux.WriteByte(opCodeAux)
	aux.Write(sixBitString("redis-ver"))
	aux.Write(sixBitString("7.2.0"))

	var resize bytes.Buffer
	resize.WriteByte(opCodeResizeDB)
	resize.WriteByte(0x01)
	resize.WriteByte(0x00)

	data := buildRDB("0011", aux.Bytes(), resize.Bytes(), stringRecord("k", "v"))
	snap, err := Read(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), snap.Databases[0]["k"].Payload)
}

func TestReadKeyWithoutSelectDBFails(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("REDIS0011")
	buf.Write(stringRecord("k", "v"))
	buf.WriteByte(opCodeEOF)
	buf.Write(make([]byte, 8))

	_, err := Read(bytes.NewReader(buf.Bytes()))
	assert.ErrorIs(t, err, ErrAttemptReadKeyWithoutDatabaseSelected)
}

func TestEmptyRDBIsCanonical88Bytes(t *testing.T) {
	b := EmptyRDB()
	assert.Len(t, b, 88)
	assert.Equal(t, "REDIS0011", string(b[:9]))
}

func TestReadEmptyRDBRoundTrips(t *testing.T) {
	snap, err := Read(bytes.NewReader(EmptyRDB()))
	require.NoError(t, err)
	assert.Empty(t, snap.Databases)
}

func TestReadVerifiesChecksumOnRealBlob(t *testing.T) {
	corrupt := append([]byte(nil), EmptyRDB()...)
	corrupt[len(corrupt)-1] ^= 0xFF // flip every bit of the last trailing crc64 byte

	_, err := Read(bytes.NewReader(corrupt))
	assert.ErrorIs(t, err, ErrIoError)
}

func TestReadAcceptsZeroChecksumAsDisabled(t *testing.T) {
	// buildRDB's fixtures always trail with an all-zero crc64, matching
	// real writers that disable the checksum; Read must not reject it.
	data := buildRDB("0011", stringRecord("k", "v"))
	_, err := Read(bytes.NewReader(data))
	require.NoError(t, err)
}

func TestRead14BitLengthString(t *testing.T) {
	longKey := make([]byte, 200)
	for i := range longKey {
		longKey[i] = 'a'
	}

	var rec bytes.Buffer
	rec.WriteByte(typeString)
	// 14-bit length encoding: top two bits 01, remaining 6 + next byte.
	n := len(longKey)
	rec.WriteByte(byte(0x40 | (n >> 8 & 0x3F)))
	rec.WriteByte(byte(n & 0xFF))
	rec.Write(longKey)
	rec.Write(sixBitString("v"))

	data := buildRDB("0011", rec.Bytes())
	snap, err := Read(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), snap.Databases[0][string(longKey)].Payload)
}
