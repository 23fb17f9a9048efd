package closet

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketBlobs      = []byte("blobs")
	bucketAggregates = []byte("aggregates")

	keyTotalBytesPresent = []byte("total_bytes_present")
)

// BlobMeta is the per-hash bookkeeping row. Present is logical existence,
// distinct from physical existence in the vault: a retention sweep flips it
// false (soft delete) and the payload persists until reconciliation removes
// it. Pinned is the per-blob retention override.
type BlobMeta struct {
	Hash       string    `json:"hash"`
	SizeBytes  int64     `json:"sizeBytes"`
	LastAccess time.Time `json:"lastAccess"`
	Present    bool      `json:"present"`
	Pinned     bool      `json:"pinned"`
}

// DB is the closet metadata store ("ClosetDB") on bbolt: one row per content
// hash plus the cached present-bytes aggregate. The aggregate is updated
// incrementally by the sync engine and may drift; reconciliation is the one
// component that recomputes it from ground truth.
type DB struct {
	db  *bbolt.DB
	now func() time.Time
}

// DBOption configures a DB.
type DBOption func(*DB)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) DBOption {
	return func(d *DB) { d.now = now }
}

// OpenDB opens (creating if necessary) the closet DB at path.
func OpenDB(path string, opts ...DBOption) (*DB, error) {
	bdb, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open closet db: %w", err)
	}

	err = bdb.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketBlobs, bucketAggregates} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = bdb.Close()
		return nil, err
	}

	d := &DB{db: bdb, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// GetBlobMeta returns the row for hash, or ErrMetaNotFound.
func (d *DB) GetBlobMeta(hash string) (*BlobMeta, error) {
	hash = normalizeHash(hash)

	var meta *BlobMeta
	err := d.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketBlobs).Get([]byte(hash))
		if raw == nil {
			return fmt.Errorf("blob %s: %w", hash, ErrMetaNotFound)
		}
		meta = &BlobMeta{}
		if err := json.Unmarshal(raw, meta); err != nil {
			return fmt.Errorf("decode meta %s: %w", hash, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// UpsertBlobMeta writes a row, canonicalizing its hash.
func (d *DB) UpsertBlobMeta(meta *BlobMeta) error {
	meta.Hash = normalizeHash(meta.Hash)

	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode meta %s: %w", meta.Hash, err)
	}
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobs).Put([]byte(meta.Hash), raw)
	})
}

// DeleteBlobMeta removes a row. Removing an absent row is not an error.
func (d *DB) DeleteBlobMeta(hash string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobs).Delete([]byte(normalizeHash(hash)))
	})
}

// AllBlobMetas returns every row.
func (d *DB) AllBlobMetas() ([]BlobMeta, error) {
	var metas []BlobMeta
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobs).ForEach(func(k, v []byte) error {
			var meta BlobMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return fmt.Errorf("decode meta %s: %w", k, err)
			}
			metas = append(metas, meta)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return metas, nil
}

// TouchBlob updates a row's last access time. Touching an unknown hash is a
// no-op.
func (d *DB) TouchBlob(hash string) error {
	hash = normalizeHash(hash)
	return d.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketBlobs)
		raw := bucket.Get([]byte(hash))
		if raw == nil {
			return nil
		}
		var meta BlobMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("decode meta %s: %w", hash, err)
		}
		meta.LastAccess = d.now()
		updated, err := json.Marshal(&meta)
		if err != nil {
			return fmt.Errorf("encode meta %s: %w", hash, err)
		}
		return bucket.Put([]byte(hash), updated)
	})
}

// TotalBytesPresent returns the cached present-bytes aggregate.
func (d *DB) TotalBytesPresent() (int64, error) {
	var total int64
	err := d.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketAggregates).Get(keyTotalBytesPresent)
		if len(raw) == 8 {
			total = int64(binary.BigEndian.Uint64(raw))
		}
		return nil
	})
	return total, err
}

// SetTotalBytesPresent overwrites the aggregate with a recomputed value.
func (d *DB) SetTotalBytesPresent(total int64) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		return putTotal(tx, total)
	})
}

// AddBytesPresent applies an incremental delta to the aggregate.
func (d *DB) AddBytesPresent(delta int64) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		var total int64
		raw := tx.Bucket(bucketAggregates).Get(keyTotalBytesPresent)
		if len(raw) == 8 {
			total = int64(binary.BigEndian.Uint64(raw))
		}
		return putTotal(tx, total+delta)
	})
}

func putTotal(tx *bbolt.Tx, total int64) error {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], uint64(total))
	return tx.Bucket(bucketAggregates).Put(keyTotalBytesPresent, raw[:])
}
