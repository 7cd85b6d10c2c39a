// Package transfer implements the chunked, resumable download/upload
// sequences: seeded running SHA-256 on both ends, dual verification
// against the ACK hash and the FILE_END hash, and the server-side
// full-file hashing needed by STAT and pre-DOWNLOAD_ACK. Full-file
// hashing caches digests keyed on (path, size, mtime) with an LRU and
// deduplicates concurrent computations of the same file with a
// singleflight.Group, rather than hashing the same large file twice for
// two simultaneous requests.
package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"
)

// MinChunkSize and MaxChunkSize bound the implementation-chosen chunk
// size for FILE_CHUNK bodies (64-256 KiB).
const (
	MinChunkSize = 64 * 1024
	MaxChunkSize = 256 * 1024
	ChunkSize    = 128 * 1024
)

type hashCacheKey struct {
	path  string
	size  int64
	mtime int64
}

// HashCache memoizes full-file SHA-256 digests for STAT and
// pre-DOWNLOAD_ACK, invalidated automatically whenever size or mtime
// change.
type HashCache struct {
	cache *lru.Cache
	group singleflight.Group
}

// NewHashCache builds a HashCache holding up to capacity entries.
func NewHashCache(capacity int) (*HashCache, error) {
	c, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("transfer: build hash cache: %w", err)
	}
	return &HashCache{cache: c}, nil
}

// FullFileSHA256 returns the lowercase-hex SHA-256 of the file at path,
// using the cache when the file's size/mtime match a prior computation
// and deduplicating concurrent callers asking for the same file.
func (h *HashCache) FullFileSHA256(path string) (string, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, err
	}
	if !info.Mode().IsRegular() {
		return "", 0, fmt.Errorf("transfer: %s is not a regular file", path)
	}

	key := hashCacheKey{path: path, size: info.Size(), mtime: info.ModTime().UnixNano()}
	if v, ok := h.cache.Get(key); ok {
		return v.(string), info.Size(), nil
	}

	result, err, _ := h.group.Do(fmt.Sprintf("%s:%d:%d", key.path, key.size, key.mtime), func() (any, error) {
		sum, err := hashFile(path)
		if err != nil {
			return nil, err
		}
		h.cache.Add(key, sum)
		return sum, nil
	})
	if err != nil {
		return "", 0, err
	}
	return result.(string), info.Size(), nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// RangeSHA256 hashes the half-open byte range [start, start+length) of
// the file at path, uncached: the range moves with every resume attempt
// so the (path, size, mtime) memoization key HashCache uses for the
// full-file digest would never hit.
func RangeSHA256(path string, start, length int64) (string, error) {
	if start < 0 || length < 0 {
		return "", fmt.Errorf("transfer: invalid range [%d, +%d)", start, length)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return "", fmt.Errorf("transfer: seek to %d: %w", start, err)
	}

	hasher := sha256.New()
	if _, err := io.CopyN(hasher, f, length); err != nil && err != io.EOF {
		return "", fmt.Errorf("transfer: hash range [%d, +%d): %w", start, length, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// LocalFileSHA256 hashes a file directly, uncached: used by the session
// client to compute localSha256 over a file it is about to upload, where
// the one-shot, client-side nature of the call makes the server-side
// memoization in HashCache pointless.
func LocalFileSHA256(path string) (sha string, size int64, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, err
	}
	sum, err := hashFile(path)
	if err != nil {
		return "", 0, err
	}
	return sum, info.Size(), nil
}

// SeededHash returns a running SHA-256 that has already absorbed the first
// prefixLen bytes of the file at path, ready to absorb subsequent bytes
// written/read from that offset onward. Used to seed the running hash
// over an existing prefix on both the download and upload paths.
func SeededHash(path string, prefixLen int64) (*seededHash, error) {
	h := sha256.New()
	if prefixLen == 0 {
		return &seededHash{h}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := io.CopyN(h, f, prefixLen); err != nil {
		return nil, fmt.Errorf("transfer: seed hash over %d prefix bytes: %w", prefixLen, err)
	}
	return &seededHash{h}, nil
}

// seededHash wraps hash.Hash so callers can't accidentally construct one
// without going through SeededHash's prefix-seeding step.
type seededHash struct {
	h interface {
		io.Writer
		Sum([]byte) []byte
	}
}

func (s *seededHash) Write(p []byte) (int, error) { return s.h.Write(p) }

func (s *seededHash) HexSum() string {
	return hex.EncodeToString(s.h.Sum(nil))
}
