package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-runtime/internal/storage"
)

// cacheEntry is a pending write. A nil value marks a deletion.
type cacheEntry struct {
	value []byte
}

// journalEntry records the cache state of a key before a write.
type journalEntry struct {
	key     string
	prev    cacheEntry
	hadPrev bool
}

// journal is a write cache over a storage.DB with nested snapshots.
// Writes stay in memory until flush; revert undoes them in reverse order.
type journal struct {
	db      storage.DB
	dirty   map[string]cacheEntry
	entries []journalEntry
}

func newJournal(db storage.DB) *journal {
	return &journal{
		db:    db,
		dirty: make(map[string]cacheEntry),
	}
}

// get returns the current value of key, or nil if it does not exist.
func (j *journal) get(key []byte) ([]byte, error) {
	if e, ok := j.dirty[string(key)]; ok {
		return e.value, nil
	}
	v, err := j.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// put records a write. A nil value deletes the key.
func (j *journal) put(key, value []byte) {
	k := string(key)
	prev, hadPrev := j.dirty[k]
	j.entries = append(j.entries, journalEntry{key: k, prev: prev, hadPrev: hadPrev})
	if value != nil {
		v := make([]byte, len(value))
		copy(v, value)
		value = v
	}
	j.dirty[k] = cacheEntry{value: value}
}

func (j *journal) snapshot() int {
	return len(j.entries)
}

// revert undoes every write made after snapshot id.
func (j *journal) revert(id int) error {
	if id < 0 || id > len(j.entries) {
		return fmt.Errorf("%w: %d", ErrInvalidSnapshot, id)
	}
	for i := len(j.entries) - 1; i >= id; i-- {
		e := j.entries[i]
		if e.hadPrev {
			j.dirty[e.key] = e.prev
		} else {
			delete(j.dirty, e.key)
		}
	}
	j.entries = j.entries[:id]
	return nil
}

// flush writes all pending entries in one batch and resets the journal.
func (j *journal) flush() error {
	if len(j.dirty) == 0 {
		j.entries = j.entries[:0]
		return nil
	}
	keys := make([]string, 0, len(j.dirty))
	for k := range j.dirty {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	batch := storage.NewBatch(j.db)
	for _, k := range keys {
		e := j.dirty[k]
		var err error
		if e.value == nil {
			err = batch.Delete([]byte(k))
		} else {
			err = batch.Put([]byte(k), e.value)
		}
		if err != nil {
			return err
		}
	}
	if err := batch.Commit(); err != nil {
		return err
	}
	j.discard()
	return nil
}

// discard drops all pending writes.
func (j *journal) discard() {
	j.dirty = make(map[string]cacheEntry)
	j.entries = j.entries[:0]
}

// forEach iterates committed and pending entries under prefix in key order.
func (j *journal) forEach(prefix []byte, fn func(key, value []byte) error) error {
	merged := make(map[string][]byte)
	err := j.db.ForEach(prefix, func(key, value []byte) error {
		merged[string(key)] = append([]byte(nil), value...)
		return nil
	})
	if err != nil {
		return err
	}
	for k, e := range j.dirty {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		if e.value == nil {
			delete(merged, k)
		} else {
			merged[k] = e.value
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), merged[k]); err != nil {
			return err
		}
	}
	return nil
}
