package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gamma-omg/observable-extractor/observables"
	bolt "go.etcd.io/bbolt"
)

var (
	docsBucket  = []byte("docs")
	indexBucket = []byte("index")
)

// BoltStore keeps observables in a local bbolt file. The docs bucket maps a
// file to its record, the index bucket maps a lower-cased observable value to
// a sub-bucket of file -> indexEntry.
type BoltStore struct {
	db *bolt.DB
}

// indexEntry keeps the value as it appears in the document.
type indexEntry struct {
	Kind  observables.Kind `json:"kind"`
	Value string           `json:"value"`
}

type docRecord struct {
	Crc         uint32           `json:"crc"`
	MimeType    string           `json:"mime_type"`
	Observables *observables.Set `json:"observables"`
}

func NewBoltStore(path string, reset bool) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for store: %w", err)
	}

	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	s := &BoltStore{db: db}
	if reset {
		err = s.Reset()
	} else {
		err = s.db.Update(createBuckets)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	return s, nil
}

func createBuckets(tx *bolt.Tx) error {
	for _, name := range [][]byte{docsBucket, indexBucket} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return err
		}
	}

	return nil
}

// Reset drops everything in the store.
func (s *BoltStore) Reset() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{docsBucket, indexBucket} {
			if tx.Bucket(name) == nil {
				continue
			}
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}

		return createBuckets(tx)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Injest(ctx context.Context, doc Doc) error {
	set := doc.Observables
	if set == nil {
		set = observables.NewSet()
	}

	raw, err := json.Marshal(docRecord{Crc: doc.Crc, MimeType: doc.MimeType, Observables: set})
	if err != nil {
		return fmt.Errorf("failed to encode doc %s: %w", doc.File, err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := unindex(tx, doc.File); err != nil {
			return err
		}

		if err := tx.Bucket(docsBucket).Put([]byte(doc.File), raw); err != nil {
			return err
		}

		index := tx.Bucket(indexBucket)
		for _, o := range set.All() {
			files, err := index.CreateBucketIfNotExists(indexKey(o.Value))
			if err != nil {
				return err
			}
			entry, err := json.Marshal(indexEntry{Kind: o.Kind, Value: o.Value})
			if err != nil {
				return err
			}
			if err := files.Put([]byte(doc.File), entry); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store doc %s: %w", doc.File, err)
	}

	return nil
}

func (s *BoltStore) Forget(ctx context.Context, doc InjestedDoc) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return unindex(tx, doc.File)
	})
	if err != nil {
		return fmt.Errorf("failed to forget doc %s: %w", doc.File, err)
	}

	return nil
}

// unindex removes file and every index entry pointing at it.
func unindex(tx *bolt.Tx, file string) error {
	docs := tx.Bucket(docsBucket)
	raw := docs.Get([]byte(file))
	if raw == nil {
		return nil
	}

	var rec docRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("corrupt record for %s: %w", file, err)
	}
	if rec.Observables == nil {
		return docs.Delete([]byte(file))
	}

	index := tx.Bucket(indexBucket)
	for _, o := range rec.Observables.All() {
		key := indexKey(o.Value)
		files := index.Bucket(key)
		if files == nil {
			continue
		}
		if err := files.Delete([]byte(file)); err != nil {
			return err
		}

		if k, _ := files.Cursor().First(); k == nil {
			if err := index.DeleteBucket(key); err != nil {
				return err
			}
		}
	}

	return docs.Delete([]byte(file))
}

func (s *BoltStore) GetInjested(ctx context.Context) ([]InjestedDoc, error) {
	var docs []InjestedDoc
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(docsBucket).ForEach(func(k, v []byte) error {
			var rec docRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt record for %s: %w", k, err)
			}

			docs = append(docs, InjestedDoc{File: string(k), Crc: rec.Crc})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list docs: %w", err)
	}

	return docs, nil
}

// Lookup returns every document containing value, ignoring case.
func (s *BoltStore) Lookup(ctx context.Context, value string) ([]Match, error) {
	var res []Match
	err := s.db.View(func(tx *bolt.Tx) error {
		files := tx.Bucket(indexBucket).Bucket(indexKey(value))
		if files == nil {
			return nil
		}

		return files.ForEach(func(k, v []byte) error {
			var entry indexEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("corrupt index entry for %s: %w", k, err)
			}

			res = append(res, Match{
				File:  string(k),
				Kind:  entry.Kind,
				Value: entry.Value,
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to lookup %s: %w", value, err)
	}

	return res, nil
}

// Observables returns what was stored for file.
func (s *BoltStore) Observables(ctx context.Context, file string) (*observables.Set, error) {
	var set *observables.Set
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(docsBucket).Get([]byte(file))
		if raw == nil {
			return fmt.Errorf("%s: %w", file, ErrNotIndexed)
		}

		var rec docRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("corrupt record for %s: %w", file, err)
		}
		set = rec.Observables
		return nil
	})
	if err != nil {
		return nil, err
	}
	if set == nil {
		set = observables.NewSet()
	}

	return set, nil
}

func indexKey(value string) []byte {
	return []byte(strings.ToLower(value))
}
