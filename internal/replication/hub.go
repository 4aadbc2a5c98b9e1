// Package replication implements both halves of primary/replica
// replication: a primary-side fan-out hub that mirrors mutating commands
// to every attached replica link, and a replica-side client that performs
// the PSYNC handshake against an upstream primary and applies the
// resulting command stream.
//
// Replication offset accounting is out of scope for this server: the
// offset reported in FULLRESYNC and carried in REPLCONF ACK is always the
// literal 0, never advanced. This is a known, documented limitation
// rather than an oversight — see DESIGN.md.
package replication

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
)

// ReplicaLink is a registered outbound byte sink representing one
// attached replica, live from the moment its PSYNC handshake completes
// until its first failed write.
type ReplicaLink struct {
	w    io.Writer
	addr string
}

// Addr identifies the replica for logging.
func (l *ReplicaLink) Addr() string {
	return l.addr
}

// Hub tracks every replica currently attached to this primary and fans
// mutating commands out to them. The list is guarded by a single mutex;
// fan-out copies the list of links out from under the lock before doing
// any writes, so no socket I/O ever happens while the lock is held.
type Hub struct {
	mu    sync.Mutex
	links []*ReplicaLink
}

// NewHub returns an empty replication hub.
func NewHub() *Hub {
	return &Hub{}
}

// Register adds w as a new replica link and returns a handle usable with
// Remove.
func (h *Hub) Register(w io.Writer, addr string) *ReplicaLink {
	link := &ReplicaLink{w: w, addr: addr}
	h.mu.Lock()
	h.links = append(h.links, link)
	h.mu.Unlock()
	return link
}

// Remove deregisters a replica link, for example after a failed write or
// on connection close.
func (h *Hub) Remove(link *ReplicaLink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, l := range h.links {
		if l == link {
			h.links = append(h.links[:i], h.links[i+1:]...)
			return
		}
	}
}

// Fanout writes raw to every currently-registered replica link. A link
// whose write fails is dropped on the spot; there is no retry and no
// delivery guarantee beyond best-effort, matching the primary side's
// "drop on failure" contract.
func (h *Hub) Fanout(raw []byte) {
	h.mu.Lock()
	links := make([]*ReplicaLink, len(h.links))
	copy(links, h.links)
	h.mu.Unlock()

	var failed []*ReplicaLink
	for _, l := range links {
		if _, err := l.w.Write(raw); err != nil {
			failed = append(failed, l)
		}
	}

	if len(failed) == 0 {
		return
	}
	h.mu.Lock()
	for _, l := range failed {
		for i, cur := range h.links {
			if cur == l {
				h.links = append(h.links[:i], h.links[i+1:]...)
				break
			}
		}
	}
	h.mu.Unlock()
}

// Count reports the number of currently attached replicas, for INFO.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.links)
}

// GenerateReplID returns a fresh random 40-character hex replication ID,
// generated from crypto/rand the way a real primary mints one at startup.
func GenerateReplID() string {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		panic("replication: crypto/rand unavailable: " + err.Error())
	}
	return fmt.Sprintf("%x", b)
}
