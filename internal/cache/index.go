package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cruciblehq/kiln/internal/errs"
	"github.com/cruciblehq/kiln/internal/paths"
	"github.com/opencontainers/go-digest"
	"go.etcd.io/bbolt"
)

const bucketName = "layers"

// A committed cache layer.
type Entry struct {
	Key      digest.Digest `json:"key"`
	Image    string        `json:"image"`
	Stage    string        `json:"stage"`
	Step     int           `json:"step"`
	Platform string        `json:"platform"`
	Size     int64         `json:"size,omitempty"`
	Created  time.Time     `json:"created"`
}

// Persistent mapping from cache keys to committed images.
type Index struct {
	db *bbolt.DB
}

// Opens (or creates) the index database at path.
//
// The database is locked for exclusive use; a second daemon opening the same
// path fails after a short timeout instead of blocking forever.
func OpenIndex(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), paths.DefaultDirMode); err != nil {
		return nil, errs.Wrap(ErrCache, err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errs.Wrapf(ErrCache, "open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, errs.Wrap(ErrCache, err)
	}

	return &Index{db: db}, nil
}

// Closes the database.
func (i *Index) Close() error {
	return i.db.Close()
}

// Looks up a key.
func (i *Index) Get(key digest.Digest) (Entry, bool, error) {
	var (
		entry Entry
		found bool
	)

	err := i.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(bucketName)).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &entry)
	})
	if err != nil {
		return Entry{}, false, errs.Wrap(ErrCache, err)
	}

	return entry, found, nil
}

// Records an entry, replacing any previous entry for the same key.
func (i *Index) Put(entry Entry) error {
	if entry.Key == "" {
		return errs.Wrapf(ErrCache, "entry has no key")
	}

	v, err := json.Marshal(entry)
	if err != nil {
		return errs.Wrap(ErrCache, err)
	}

	err = i.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(entry.Key), v)
	})
	if err != nil {
		return errs.Wrap(ErrCache, err)
	}
	return nil
}

// Removes a key. Removing a missing key is not an error.
func (i *Index) Delete(key digest.Digest) error {
	err := i.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete([]byte(key))
	})
	if err != nil {
		return errs.Wrap(ErrCache, err)
	}
	return nil
}

// Returns all entries, oldest first.
func (i *Index) List() ([]Entry, error) {
	var entries []Entry

	err := i.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, errs.Wrap(ErrCache, err)
	}

	sortEntries(entries)
	return entries, nil
}

// Removes every entry created before the cutoff and returns them.
//
// A zero cutoff removes everything. The caller is responsible for deleting
// the images the removed entries refer to.
func (i *Index) Prune(before time.Time) ([]Entry, error) {
	var removed []Entry

	err := i.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		err := b.ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if before.IsZero() || e.Created.Before(before) {
				removed = append(removed, e)
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Deleting while iterating skips keys, so delete afterwards.
		for _, e := range removed {
			if err := b.Delete([]byte(e.Key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(ErrCache, err)
	}

	sortEntries(removed)
	return removed, nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(a, b int) bool {
		if entries[a].Created.Equal(entries[b].Created) {
			return entries[a].Key < entries[b].Key
		}
		return entries[a].Created.Before(entries[b].Created)
	})
}
