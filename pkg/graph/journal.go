package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/orneryd/coigraph/pkg/storage"
)

// ErrCorruptJournal is returned by Open when journal versions are not
// contiguous or an entry cannot be decoded.
var ErrCorruptJournal = errors.New("corrupt graph journal")

// journalEntry is the durable form of one admitted batch. Only the
// effective changes are recorded: new records, plus the full merged form of
// enriched entities. Replaying entries in order rebuilds every version.
type journalEntry struct {
	Version       uint64         `json:"version"`
	At            time.Time      `json:"at"`
	Entities      []Entity       `json:"entities,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
}

func writeJournal(kv storage.KV, e *journalEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding journal entry %d: %w", e.Version, err)
	}
	if err := kv.Put(storage.Uint64Key(storage.PrefixJournal, e.Version), data); err != nil {
		return fmt.Errorf("writing journal entry %d: %w", e.Version, err)
	}
	return nil
}

// readJournal calls fn for every entry in version order.
func readJournal(kv storage.KV, fn func(*journalEntry) error) error {
	var last uint64
	return kv.Iterate([]byte{storage.PrefixJournal}, func(key, value []byte) error {
		v, err := storage.DecodeUint64Key(key)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptJournal, err)
		}
		if v != last+1 {
			return fmt.Errorf("%w: expected version %d, found %d", ErrCorruptJournal, last+1, v)
		}
		var e journalEntry
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("%w: version %d: %v", ErrCorruptJournal, v, err)
		}
		if e.Version != v {
			return fmt.Errorf("%w: key version %d holds entry %d", ErrCorruptJournal, v, e.Version)
		}
		last = v
		return fn(&e)
	})
}
