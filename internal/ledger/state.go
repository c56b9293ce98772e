package ledger

import "github.com/Klingon-tech/klingnet-runtime/internal/storage"

var prefixState = []byte("x/") // x/<namespace>/<key> -> module state

// Store returns a key-value view of the ledger's journaled state under its
// own namespace. Writes through it take part in Snapshot, RevertToSnapshot
// and Commit like balance changes do, so other runtime modules can keep
// their state consistent with the ledger.
func (l *Ledger) Store(namespace string) storage.DB {
	prefix := make([]byte, 0, len(prefixState)+len(namespace)+1)
	prefix = append(prefix, prefixState...)
	prefix = append(prefix, namespace...)
	prefix = append(prefix, '/')
	return storage.NewPrefixDB(&stateDB{l: l}, prefix)
}

// stateDB adapts the journal to storage.DB. Reads of missing keys return
// storage.ErrNotFound.
type stateDB struct {
	l *Ledger
}

func (s *stateDB) Get(key []byte) ([]byte, error) {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	v, err := s.l.j.get(key)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *stateDB) Put(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	s.l.j.put(key, value)
	return nil
}

func (s *stateDB) Delete(key []byte) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	s.l.j.put(key, nil)
	return nil
}

func (s *stateDB) Has(key []byte) (bool, error) {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	v, err := s.l.j.get(key)
	return v != nil, err
}

func (s *stateDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	s.l.mu.Lock()
	var keys, values [][]byte
	err := s.l.j.forEach(prefix, func(key, value []byte) error {
		keys = append(keys, key)
		values = append(values, value)
		return nil
	})
	s.l.mu.Unlock()
	if err != nil {
		return err
	}
	for i := range keys {
		if err := fn(keys[i], values[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *stateDB) Close() error {
	return nil
}
