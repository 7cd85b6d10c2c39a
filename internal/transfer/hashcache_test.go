package transfer

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestFullFileSHA256MatchesKnownVector(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	hc, err := NewHashCache(16)
	if err != nil {
		t.Fatal(err)
	}

	const want = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	got, size, err := hc.FullFileSHA256(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("sha256 = %s, want %s", got, want)
	}
	if size != 11 {
		t.Fatalf("size = %d, want 11", size)
	}
}

func TestFullFileSHA256CacheInvalidatesOnContentChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("aaa"), 0o644); err != nil {
		t.Fatal(err)
	}

	hc, err := NewHashCache(16)
	if err != nil {
		t.Fatal(err)
	}

	first, _, err := hc.FullFileSHA256(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("bbbbbb"), 0o644); err != nil {
		t.Fatal(err)
	}
	second, _, err := hc.FullFileSHA256(path)
	if err != nil {
		t.Fatal(err)
	}

	if first == second {
		t.Fatal("expected digest to change after content changed")
	}
}

func TestRangeSHA256MatchesFullFileHashOverWholeRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	hc, err := NewHashCache(16)
	if err != nil {
		t.Fatal(err)
	}
	full, _, err := hc.FullFileSHA256(path)
	if err != nil {
		t.Fatal(err)
	}

	ranged, err := RangeSHA256(path, 0, 11)
	if err != nil {
		t.Fatal(err)
	}
	if ranged != full {
		t.Fatalf("range [0, 11) sha256 = %s, want full-file hash %s", ranged, full)
	}
}

func TestRangeSHA256DiffersFromFullFileHashForPartialRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	prefix, err := RangeSHA256(path, 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	suffix, err := RangeSHA256(path, 6, 5)
	if err != nil {
		t.Fatal(err)
	}
	if prefix == suffix {
		t.Fatal("expected distinct ranges to hash differently")
	}

	full, err := RangeSHA256(path, 0, 11)
	if err != nil {
		t.Fatal(err)
	}
	if prefix == full {
		t.Fatal("expected a 5-byte prefix hash to differ from the full 11-byte hash")
	}
}

func TestFullFileSHA256ConcurrentCallersShareComputation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.bin")
	data := make([]byte, 2*1024*1024)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	hc, err := NewHashCache(16)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sum, _, err := hc.FullFileSHA256(path)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = sum
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		if r != results[0] {
			t.Fatalf("inconsistent results across concurrent callers: %v", results)
		}
	}
}
