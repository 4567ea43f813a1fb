package dist

import (
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/chazu/mu/vm"
)

var log = commonlog.GetLogger("mu.dist")

const schema = `CREATE TABLE IF NOT EXISTS chunks (
	id           TEXT PRIMARY KEY,
	source_hash  BLOB NOT NULL UNIQUE,
	content_hash BLOB NOT NULL,
	data         BLOB NOT NULL,
	created_at   INTEGER NOT NULL
)`

// ---------------------------------------------------------------------------
// Store: compile cache
// ---------------------------------------------------------------------------

// Store caches compiled functions in a sqlite database, keyed by the hash of
// the chunk name and source they were compiled from. Functions loaded
// during the life of the store are also kept in memory. A Store is safe for
// concurrent use.
type Store struct {
	db *sql.DB

	mu     sync.RWMutex
	memo   map[[32]byte]*vm.Function
	hits   int
	misses int
}

// Open opens or creates the cache database at path. ":memory:" gives a
// private in-memory cache.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dist: open %s: %w", path, err)
	}
	// One connection: sqlite has a single writer, and every connection to
	// ":memory:" would see its own database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("dist: create schema: %w", err)
	}
	log.Debugf("opened compile cache %s", path)
	return &Store{db: db, memo: make(map[[32]byte]*vm.Function)}, nil
}

// SourceHash is the cache key for a chunk name and its source text.
func SourceHash(name, source string) [32]byte {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(source))
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// Get returns the cached function for name and source, if any, holding a
// reference for the caller. A stored chunk whose content hash does not
// match its data is an error.
func (s *Store) Get(name, source string) (*vm.Function, bool, error) {
	key := SourceHash(name, source)

	s.mu.RLock()
	fn, ok := s.memo[key]
	s.mu.RUnlock()
	if ok {
		s.count(true)
		return fn.Retain(), true, nil
	}

	var data, content []byte
	err := s.db.QueryRow(`SELECT data, content_hash FROM chunks WHERE source_hash = ?`, key[:]).
		Scan(&data, &content)
	if errors.Is(err, sql.ErrNoRows) {
		s.count(false)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("dist: query %s: %w", name, err)
	}
	if sum := sha256.Sum256(data); string(sum[:]) != string(content) {
		return nil, false, fmt.Errorf("dist: cached chunk for %s is corrupt: content hash mismatch", name)
	}
	fn, err = DecodeFunction(data)
	if err != nil {
		return nil, false, err
	}

	s.remember(key, fn.Retain())
	s.count(true)
	log.Debugf("cache hit for %s", name)
	return fn, true, nil
}

// Put stores fn as the compiled form of name and source, replacing any
// previous entry. fn is borrowed; the store takes its own reference.
func (s *Store) Put(name, source string, fn *vm.Function) error {
	data, err := EncodeFunction(fn)
	if err != nil {
		return err
	}
	key := SourceHash(name, source)
	content := sha256.Sum256(data)
	_, err = s.db.Exec(`INSERT INTO chunks (id, source_hash, content_hash, data, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_hash) DO UPDATE SET
			content_hash = excluded.content_hash,
			data = excluded.data,
			created_at = excluded.created_at`,
		uuid.New().String(), key[:], content[:], data, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("dist: store %s: %w", name, err)
	}

	s.remember(key, fn.Retain())
	log.Debugf("cached %s (%d bytes, content %x)", name, len(data), content[:8])
	return nil
}

// remember keeps fn in memory under key, taking over the reference.
func (s *Store) remember(key [32]byte, fn *vm.Function) {
	s.mu.Lock()
	old := s.memo[key]
	s.memo[key] = fn
	s.mu.Unlock()
	if old != nil {
		old.Release()
	}
}

// Wrap returns a compile function that consults the cache before calling
// compile and stores what compile produces. Cache failures are logged and
// never fail the compilation.
func (s *Store) Wrap(compile vm.CompileFunc) vm.CompileFunc {
	return func(name, source string) (*vm.Function, error) {
		fn, ok, err := s.Get(name, source)
		if err != nil {
			log.Warningf("compile cache: %s", err)
		}
		if ok {
			return fn, nil
		}
		fn, err = compile(name, source)
		if err != nil {
			return nil, err
		}
		if err := s.Put(name, source, fn); err != nil {
			log.Warningf("compile cache: %s", err)
		}
		return fn, nil
	}
}

// Len returns the number of cached chunks.
func (s *Store) Len() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("dist: count: %w", err)
	}
	return n, nil
}

// Stats returns the number of cache hits and misses so far.
func (s *Store) Stats() (hits, misses int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hits, s.misses
}

func (s *Store) count(hit bool) {
	s.mu.Lock()
	if hit {
		s.hits++
	} else {
		s.misses++
	}
	s.mu.Unlock()
}

// Close drops the functions kept in memory and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	memo := s.memo
	s.memo = make(map[[32]byte]*vm.Function)
	s.mu.Unlock()
	for _, fn := range memo {
		fn.Release()
	}
	return s.db.Close()
}
