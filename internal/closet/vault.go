package closet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/klauspost/compress/zstd"
)

const blobDirName = "blobs"

// BlobStat describes the physical state of one blob in the vault.
type BlobStat struct {
	Exists bool
	Size   int64 // stored (compressed) size
}

// Vault is the physical content-addressable store. Blobs are keyed by the
// lowercase sha256 hex of their plaintext, compressed with zstd, and laid out
// in a two-level directory structure (blobs/ab/abcdef…) to avoid oversized
// directories.
//
// The filesystem is injected so tests can substitute an in-memory double;
// production uses osfs rooted at the closet data directory.
type Vault struct {
	fs billy.Filesystem

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewVault creates a vault on the given filesystem.
func NewVault(fs billy.Filesystem) (*Vault, error) {
	if err := fs.MkdirAll(blobDirName, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}

	v := &Vault{fs: fs}
	v.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	v.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return v, nil
}

// ContentHash computes the lowercase sha256 hex of data.
func ContentHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Put stores data under hash. The hash must match the content; a mismatch is
// an integrity error and nothing is stored. Writing the same hash twice is a
// no-op (dedup). The write is atomic via a unique temp file and rename, so a
// concurrent reader sees either the complete blob or nothing.
func (v *Vault) Put(hash string, data []byte) error {
	hash = normalizeHash(hash)

	if actual := ContentHash(data); actual != hash {
		return fmt.Errorf("put %s: content hashes to %s: %w", hash, actual, ErrIntegrity)
	}

	path := v.blobPath(hash)
	if _, err := v.fs.Stat(path); err == nil {
		return nil
	}

	if err := v.fs.MkdirAll(v.shardDir(hash), 0o755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}

	compressed := v.compress(data)

	tmp, err := v.fs.TempFile(blobDirName, ".blob-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(compressed); err != nil {
		_ = tmp.Close()
		_ = v.fs.Remove(tmpName)
		return fmt.Errorf("write blob %s: %w", hash, err)
	}
	if err := tmp.Close(); err != nil {
		_ = v.fs.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := v.fs.Rename(tmpName, path); err != nil {
		_ = v.fs.Remove(tmpName)
		return fmt.Errorf("rename blob %s: %w", hash, err)
	}
	return nil
}

// Get retrieves and decompresses a blob. The content hash is recomputed and
// verified against the key, so corruption surfaces here instead of as bad
// weather data much later.
func (v *Vault) Get(hash string) ([]byte, error) {
	hash = normalizeHash(hash)

	compressed, err := util.ReadFile(v.fs, v.blobPath(hash))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("blob %s: %w", hash, ErrBlobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", hash, err)
	}

	data, err := v.decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress blob %s: %v: %w", hash, err, ErrIntegrity)
	}

	if actual := ContentHash(data); actual != hash {
		return nil, fmt.Errorf("blob %s reads back as %s: %w", hash, actual, ErrIntegrity)
	}
	return data, nil
}

// Stat reports whether a blob exists and its stored size, without reading
// the payload.
func (v *Vault) Stat(hash string) (BlobStat, error) {
	info, err := v.fs.Stat(v.blobPath(normalizeHash(hash)))
	if os.IsNotExist(err) {
		return BlobStat{}, nil
	}
	if err != nil {
		return BlobStat{}, fmt.Errorf("stat blob %s: %w", hash, err)
	}
	return BlobStat{Exists: true, Size: info.Size()}, nil
}

// Has reports whether a blob is physically present.
func (v *Vault) Has(hash string) (bool, error) {
	st, err := v.Stat(hash)
	return st.Exists, err
}

// Delete removes a blob. Deleting an absent blob is not an error.
func (v *Vault) Delete(hash string) error {
	err := v.fs.Remove(v.blobPath(normalizeHash(hash)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", hash, err)
	}
	return nil
}

// AllHashes enumerates every stored hash from directory listings alone.
// It never opens a payload, so its cost is independent of total stored bytes.
func (v *Vault) AllHashes() ([]string, error) {
	shards, err := v.fs.ReadDir(blobDirName)
	if err != nil {
		return nil, fmt.Errorf("list blob dir: %w", err)
	}

	var hashes []string
	for _, shard := range shards {
		if !shard.IsDir() {
			continue // stray temp file
		}
		entries, err := v.fs.ReadDir(v.fs.Join(blobDirName, shard.Name()))
		if err != nil {
			return nil, fmt.Errorf("list shard %s: %w", shard.Name(), err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			hashes = append(hashes, normalizeHash(entry.Name()))
		}
	}
	return hashes, nil
}

func (v *Vault) shardDir(hash string) string {
	if len(hash) < 2 {
		return blobDirName
	}
	return v.fs.Join(blobDirName, hash[:2])
}

func (v *Vault) blobPath(hash string) string {
	return v.fs.Join(v.shardDir(hash), hash)
}

func (v *Vault) compress(data []byte) []byte {
	enc := v.encoderPool.Get().(*zstd.Encoder)
	defer v.encoderPool.Put(enc)
	return enc.EncodeAll(data, nil)
}

func (v *Vault) decompress(data []byte) ([]byte, error) {
	dec := v.decoderPool.Get().(*zstd.Decoder)
	defer v.decoderPool.Put(dec)
	return dec.DecodeAll(data, nil)
}
