package store

import (
	"strings"
	"sync"

	"github.com/orbitmail/imapd/db"
)

// Flag names are interned in the flag_names table; the flags join table
// references them by id. The mapping is append-only, so a process-wide
// cache never needs invalidation.
var (
	flagNamesMu sync.Mutex
	flagNameIDs = map[string]int64{}
)

// FlagID returns the id for flag name, inserting it if missing. Lookup is
// case-insensitive; names are stored in their first-seen casing.
func FlagID(tx *db.Transaction, name string) (int64, error) {
	key := strings.ToLower(name)
	flagNamesMu.Lock()
	id, ok := flagNameIDs[key]
	flagNamesMu.Unlock()
	if ok {
		return id, nil
	}

	err := tx.QueryRow(`select id from flag_names where lower(name)=lower($1)`, name).Scan(&id)
	if err != nil {
		// Insert, racing other processes: on conflict re-read.
		err = tx.QueryRow(`insert into flag_names (name) values ($1) on conflict (name) do update set name=flag_names.name returning id`, name).Scan(&id)
		if err != nil {
			return 0, err
		}
	}
	flagNamesMu.Lock()
	flagNameIDs[key] = id
	flagNamesMu.Unlock()
	return id, nil
}

// SeenFlagID returns the interned id of \Seen. The implicit-seen update in
// FETCH does not use it: it sets the seen column of mailbox_messages.
func SeenFlagID(tx *db.Transaction) (int64, error) {
	return FlagID(tx, `\Seen`)
}
