package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	bolt "go.etcd.io/bbolt"
)

var recordsBucket = []byte("records")

// index maps artifact names to records in a bolt database.
type index struct {
	db *bolt.DB
}

func openIndex(path string) (*index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create index dir: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout:      30 * time.Second,
		FreelistType: bolt.FreelistMapType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return &index{db: db}, nil
}

func (x *index) get(name string) (*Record, error) {
	var r Record
	err := x.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(recordsBucket).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("artifact %q: %w", name, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// create stores r unless its name is taken.
func (x *index) create(r *Record) error {
	return x.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		if b.Get([]byte(r.Name)) != nil {
			return fmt.Errorf("artifact %q: %w", r.Name, ErrExists)
		}
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		return b.Put([]byte(r.Name), data)
	})
}

// remove deletes the record and reports whether another record still
// refers to the same blob.
func (x *index) remove(name string) (r *Record, shared bool, err error) {
	err = x.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("artifact %q: %w", name, errdefs.ErrNotFound)
		}
		r = &Record{}
		if err := json.Unmarshal(data, r); err != nil {
			return err
		}
		if err := b.Delete([]byte(name)); err != nil {
			return err
		}
		return b.ForEach(func(_, v []byte) error {
			var other Record
			if err := json.Unmarshal(v, &other); err != nil {
				return err
			}
			if other.Digest == r.Digest {
				shared = true
			}
			return nil
		})
	})
	return r, shared, err
}

func (x *index) scan(prefix string, fn func(*Record) error) error {
	return x.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("failed to unmarshal record %s: %w", k, err)
			}
			if err := fn(&r); err != nil {
				return err
			}
		}
		return nil
	})
}

func (x *index) close() error {
	return x.db.Close()
}
