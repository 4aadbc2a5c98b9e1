package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoderNextSingleCommand(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "PING",
			input: "*1\r\n$4\r\nPING\r\n",
			want:  []string{"PING"},
		},
		{
			name:  "SET with expiry",
			input: "*5\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n$2\r\nPX\r\n$3\r\n100\r\n",
			want:  []string{"SET", "foo", "bar", "PX", "100"},
		},
		{
			name:  "binary payload",
			input: "*3\r\n$3\r\nSET\r\n$3\r\nkey\r\n$4\r\n\x00\xff\r\n\r\n",
			want:  []string{"SET", "key", "\x00\xff\r\n"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder()
			d.Feed([]byte(tt.input))

			cmd, err := d.Next()
			require.NoError(t, err)
			require.NotNil(t, cmd)

			got := make([]string, len(cmd.Args))
			for i, a := range cmd.Args {
				got[i] = string(a)
			}
			assert.Equal(t, tt.want, got)
			assert.Zero(t, d.Buffered())
		})
	}
}

func TestDecoderNextIncompleteReturnsNilNil(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "partial array header", input: "*2\r\n"},
		{name: "partial bulk header", input: "*2\r\n$3\r\nGET\r\n$3\r\n"},
		{name: "partial bulk payload", input: "*1\r\n$5\r\nhel"},
		{name: "missing trailing crlf of payload", input: "*1\r\n$5\r\nhello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder()
			d.Feed([]byte(tt.input))

			cmd, err := d.Next()
			assert.NoError(t, err)
			assert.Nil(t, cmd)
		})
	}
}

func TestDecoderNextStreamingAcrossFeeds(t *testing.T) {
	full := "*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n"
	chunks := []string{}
	for i := 0; i < len(full); i += 3 {
		end := i + 3
		if end > len(full) {
			end = len(full)
		}
		chunks = append(chunks, full[i:end])
	}

	d := NewDecoder()
	var cmd *Command
	for _, c := range chunks {
		d.Feed([]byte(c))
		got, err := d.Next()
		require.NoError(t, err)
		if got != nil {
			cmd = got
		}
	}

	require.NotNil(t, cmd)
	assert.Equal(t, "SET", cmd.Name())
	assert.Equal(t, [][]byte{[]byte("SET"), []byte("foo"), []byte("bar")}, cmd.Args)
}

func TestDecoderNextPipelinedCommands(t *testing.T) {
	input := "*1\r\n$4\r\nPING\r\n*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n"
	d := NewDecoder()
	d.Feed([]byte(input))

	first, err := d.Next()
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "PING", first.Name())

	second, err := d.Next()
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "GET", second.Name())

	third, err := d.Next()
	assert.NoError(t, err)
	assert.Nil(t, third)
}

func TestDecoderNextRejectsNonArrayTopLevel(t *testing.T) {
	tests := []string{"+OK\r\n", "-ERR bad\r\n", ":1\r\n", "$3\r\nfoo\r\n"}
	for _, input := range tests {
		d := NewDecoder()
		d.Feed([]byte(input))
		_, err := d.Next()
		assert.ErrorIs(t, err, ErrUnhandledRespDataType)
	}
}

func TestDecoderNextRejectsOversizedBulk(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte("*1\r\n$999999999999\r\n"))
	_, err := d.Next()
	assert.ErrorIs(t, err, ErrMessageTooBig)
}

func TestDecoderNextRejectsOversizedArrayCount(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte("*2000000000\r\n"))
	_, err := d.Next()
	assert.ErrorIs(t, err, ErrMessageTooBig)
}

func TestDecoderReadRaw(t *testing.T) {
	payload := strings.Repeat("x", 16)
	d := NewDecoder()
	d.Feed([]byte(payload))

	got, ok := d.ReadRaw(16)
	require.True(t, ok)
	assert.Equal(t, []byte(payload), got)
	assert.Zero(t, d.Buffered())

	_, ok = d.ReadRaw(1)
	assert.False(t, ok)
}

func TestEncodeRoundTrip(t *testing.T) {
	cmd := EncodeArray(
		EncodeBulkString([]byte("SET")),
		EncodeBulkString([]byte("foo")),
		EncodeBulkString([]byte("bar")),
	)

	d := NewDecoder()
	d.Feed(cmd)

	got, err := d.Next()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"SET", "foo", "bar"}, []string{
		string(got.Args[0]), string(got.Args[1]), string(got.Args[2]),
	})
}

func TestEncodeSimpleReplies(t *testing.T) {
	assert.Equal(t, "+OK\r\n", string(EncodeSimpleString("OK")))
	assert.Equal(t, "-ERR bad command\r\n", string(EncodeError("ERR bad command")))
	assert.Equal(t, "$-1\r\n", string(EncodeNullBulkString()))
	assert.Equal(t, "$3\r\nfoo\r\n", string(EncodeBulkString([]byte("foo"))))
}

func TestEncodeRawFrameHasNoTrailingCRLF(t *testing.T) {
	payload := []byte("REDIS0011fake-rdb-bytes")
	frame := EncodeRawFrame(payload)

	assert.True(t, strings.HasPrefix(string(frame), "$23\r\n"))
	assert.True(t, strings.HasSuffix(string(frame), string(payload)))
	assert.False(t, strings.HasSuffix(string(frame), "\r\n"))
}
