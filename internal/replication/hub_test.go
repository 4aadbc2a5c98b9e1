package replication

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("boom")
}

func TestHubFanoutDeliversToAllLinks(t *testing.T) {
	h := NewHub()
	var a, b bytes.Buffer
	h.Register(&a, "replica-a")
	h.Register(&b, "replica-b")

	h.Fanout([]byte("*1\r\n$4\r\nPING\r\n"))

	assert.Equal(t, "*1\r\n$4\r\nPING\r\n", a.String())
	assert.Equal(t, "*1\r\n$4\r\nPING\r\n", b.String())
	assert.Equal(t, 2, h.Count())
}

func TestHubFanoutPreservesPerReplicaOrder(t *testing.T) {
	h := NewHub()
	var buf bytes.Buffer
	h.Register(&buf, "replica-a")

	h.Fanout([]byte("*3\r\n$3\r\nSET\r\n$1\r\na\r\n$1\r\n1\r\n"))
	h.Fanout([]byte("*3\r\n$3\r\nSET\r\n$1\r\nb\r\n$1\r\n2\r\n"))

	assert.Equal(t, "*3\r\n$3\r\nSET\r\n$1\r\na\r\n$1\r\n1\r\n*3\r\n$3\r\nSET\r\n$1\r\nb\r\n$1\r\n2\r\n", buf.String())
}

func TestHubFanoutDropsFailingLink(t *testing.T) {
	h := NewHub()
	link := h.Register(failingWriter{}, "dead")
	var good bytes.Buffer
	h.Register(&good, "alive")

	h.Fanout([]byte("*1\r\n$4\r\nPING\r\n"))

	assert.Equal(t, 1, h.Count())
	assert.Equal(t, "*1\r\n$4\r\nPING\r\n", good.String())

	// Removing an already-dropped link is a no-op, not a crash.
	h.Remove(link)
	assert.Equal(t, 1, h.Count())
}

func TestHubRemove(t *testing.T) {
	h := NewHub()
	var buf bytes.Buffer
	link := h.Register(&buf, "replica-a")
	require.Equal(t, 1, h.Count())

	h.Remove(link)
	assert.Equal(t, 0, h.Count())

	h.Fanout([]byte("anything"))
	assert.Empty(t, buf.String())
}

func TestGenerateReplIDIsFortyHexChars(t *testing.T) {
	id := GenerateReplID()
	assert.Len(t, id, 40)
	for _, c := range id {
		assert.True(t, (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f'))
	}

	other := GenerateReplID()
	assert.NotEqual(t, id, other)
}
