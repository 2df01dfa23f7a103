// Package checkpoint snapshots session state into content-addressed,
// compressed blobs with metadata for restore, branching, and retention.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// CAS stores compressed payloads under their content hash. Identical
// payloads share a single blob on disk.
type CAS struct {
	dir     string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCAS creates the blob directory and the shared zstd codec pair.
func NewCAS(dir string, compressionLevel int) (*CAS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	level := zstd.EncoderLevel(compressionLevel)
	if level < zstd.SpeedFastest || level > zstd.SpeedBestCompression {
		level = zstd.SpeedDefault
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &CAS{dir: dir, encoder: encoder, decoder: decoder}, nil
}

// Put compresses and stores a payload, returning its content hash and the
// stored (compressed) size. Storing already-present content is a no-op.
func (c *CAS) Put(payload []byte) (hash string, storedSize int64, err error) {
	sum := sha256.Sum256(payload)
	hash = hex.EncodeToString(sum[:])
	path := c.blobPath(hash)

	if info, statErr := os.Stat(path); statErr == nil {
		return hash, info.Size(), nil
	}

	compressed := c.encoder.EncodeAll(payload, nil)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		return "", 0, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", 0, fmt.Errorf("failed to commit blob: %w", err)
	}
	return hash, int64(len(compressed)), nil
}

// Get reads and decompresses a blob, verifying its content hash.
func (c *CAS) Get(hash string) ([]byte, error) {
	compressed, err := os.ReadFile(c.blobPath(hash))
	if err != nil {
		return nil, err
	}
	payload, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress blob %s: %w", hash, err)
	}
	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != hash {
		return nil, fmt.Errorf("blob %s content does not match its hash", hash)
	}
	return payload, nil
}

// Exists reports whether a blob is present.
func (c *CAS) Exists(hash string) bool {
	_, err := os.Stat(c.blobPath(hash))
	return err == nil
}

// Delete removes a blob. Missing blobs are not an error.
func (c *CAS) Delete(hash string) error {
	err := os.Remove(c.blobPath(hash))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Hashes lists every stored blob hash.
func (c *CAS) Hashes() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) == ".tmp" {
			continue
		}
		out = append(out, entry.Name())
	}
	return out, nil
}

func (c *CAS) blobPath(hash string) string {
	return filepath.Join(c.dir, hash)
}
