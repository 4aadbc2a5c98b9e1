// Package store implements the in-memory keyspace: sixteen independently
// locked logical databases holding byte payloads with optional lazy
// expiration, plus the glue to bulk-load a parsed RDB snapshot at startup.
package store

import (
	"sync"
	"time"

	"github.com/nullbyte-labs/respkv/internal/rdb"
)

// NumDatabases is the number of logical databases a snapshot and a live
// server both carry, matching real Redis's default configuration. Only
// database 0 is reachable from client commands (spec.md 4.3); the rest
// exist so RDB files written against a fuller server still load cleanly.
const NumDatabases = 16

// Value is a single stored entry: an opaque, binary-safe payload and an
// optional absolute expiry. A nil Expiry means the key never expires.
type Value struct {
	Payload []byte
	Expiry  *time.Time
}

func (v Value) expired(now time.Time) bool {
	return v.Expiry != nil && !v.Expiry.After(now)
}

type database struct {
	mu      sync.RWMutex
	entries map[string]Value
}

// Store holds the sixteen logical databases. The zero value is not usable;
// construct with New.
type Store struct {
	dbs [NumDatabases]database
}

// New returns an empty Store with all sixteen databases initialized.
func New() *Store {
	s := &Store{}
	for i := range s.dbs {
		s.dbs[i].entries = make(map[string]Value)
	}
	return s
}

func (s *Store) db(db int) (*database, error) {
	if db < 0 || db >= NumDatabases {
		return nil, ErrDatabaseNotFound
	}
	return &s.dbs[db], nil
}

// Set stores v under key in the given database, overwriting any existing
// entry including its expiry.
func (s *Store) Set(db int, key string, v Value) error {
	d, err := s.db(db)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[key] = v
	return nil
}

// Get returns the payload stored under key. If the key is absent, or
// present but expired, it reports found=false; an expired key is deleted
// as part of the same call so concurrent Gets observe the deletion exactly
// once and further Gets are idempotent.
func (s *Store) Get(db int, key string) (payload []byte, found bool, err error) {
	d, err := s.db(db)
	if err != nil {
		return nil, false, err
	}

	d.mu.RLock()
	v, ok := d.entries[key]
	d.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if !v.expired(time.Now()) {
		return v.Payload, true, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.entries[key]; ok && cur.expired(time.Now()) {
		delete(d.entries, key)
	}
	return nil, false, nil
}

// Keys returns a snapshot of every live (non-expired) key name in db.
// Expired keys encountered during the scan are skipped from the result but
// not deleted: they remain in place until individually read through Get.
func (s *Store) Keys(db int) ([]string, error) {
	d, err := s.db(db)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.entries))
	for k, v := range d.entries {
		if v.expired(now) {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

// Load replaces the contents of every database touched by snap with the
// entries it carries. Databases not present in snap are left untouched.
// Load runs at startup before any connection is accepted and again on a
// replica after its handshake, while connections are being served. Each
// database is swapped under its own lock; Load is not atomic across
// databases.
func (s *Store) Load(snap *rdb.Snapshot) error {
	for dbIndex, entries := range snap.Databases {
		d, err := s.db(dbIndex)
		if err != nil {
			return err
		}

		fresh := make(map[string]Value, len(entries))
		for key, e := range entries {
			fresh[key] = Value{Payload: e.Payload, Expiry: e.Expiry}
		}

		d.mu.Lock()
		d.entries = fresh
		d.mu.Unlock()
	}
	return nil
}
