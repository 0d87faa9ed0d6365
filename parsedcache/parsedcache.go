// Package parsedcache caches parsed message structure (the part tree with
// envelope, as rendered into BODYSTRUCTURE/ENVELOPE) on disk, keyed by a
// hash of the raw message. Messages are immutable, so entries never go
// stale; the cache saves re-deriving structure on every FETCH.
package parsedcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mjl-/bstore"

	"github.com/orbitmail/imapd/mlog"
	"github.com/orbitmail/imapd/store"
)

// ParsedPart is one cached parse result.
type ParsedPart struct {
	Hash string // sha256 of the raw message, hex.
	Data []byte // JSON-encoded store.Part.
}

// Cache wraps a MessageParser, consulting the on-disk cache first.
type Cache struct {
	db   *bstore.DB
	next store.MessageParser
	log  mlog.Log
}

// Open opens (creating if needed) the cache database at path and returns
// a parser that consults it before delegating to next.
func Open(ctx context.Context, path string, next store.MessageParser, log mlog.Log) (*Cache, error) {
	db, err := bstore.Open(ctx, path, nil, ParsedPart{})
	if err != nil {
		return nil, fmt.Errorf("open parsed cache: %w", err)
	}
	return &Cache{db: db, next: next, log: log}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

// Parse implements store.MessageParser.
func (c *Cache) Parse(raw []byte) (*store.Part, error) {
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])

	ctx := context.Background()
	e := ParsedPart{Hash: key}
	err := c.db.Get(ctx, &e)
	if err == nil {
		var p store.Part
		if jerr := json.Unmarshal(e.Data, &p); jerr == nil {
			return &p, nil
		}
		// Corrupt entry: fall through to reparse and overwrite.
	} else if !errors.Is(err, bstore.ErrAbsent) {
		c.log.Debugx("reading parsed cache", err)
	}

	p, err := c.next.Parse(raw)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return p, nil
	}
	e = ParsedPart{Hash: key, Data: data}
	if err := c.db.Delete(ctx, &ParsedPart{Hash: key}); err != nil && !errors.Is(err, bstore.ErrAbsent) {
		c.log.Debugx("clearing stale parsed cache entry", err)
	}
	if err := c.db.Insert(ctx, &e); err != nil {
		c.log.Debugx("writing parsed cache", err)
	}
	return p, nil
}
