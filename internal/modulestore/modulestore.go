// Package modulestore keeps deployed module binaries in blob storage.
//
// Binaries are zstd-compressed and stored under their content address, so
// a repeated upload of the same module is a no-op and every read can be
// checked against the module ID.
package modulestore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
	"gocloud.dev/gcerrors"

	"github.com/roach88/vigil/internal/ir"
)

// ErrNotFound is returned when no binary is stored under a key.
var ErrNotFound = errors.New("module binary not found")

// ErrIntegrity is returned when a stored binary does not hash to its ID.
var ErrIntegrity = errors.New("module binary does not match its id")

// Store reads and writes module binaries.
type Store struct {
	bucket  *blob.Bucket
	prefix  string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Open opens the bucket at bucketURL (file://, mem://, s3://, gs://).
// Directories for file:// buckets are created.
func Open(ctx context.Context, bucketURL string) (*Store, error) {
	u, err := url.Parse(bucketURL)
	if err != nil {
		return nil, fmt.Errorf("parse module store url: %w", err)
	}
	if u.Scheme == "file" {
		if err := os.MkdirAll(u.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create module store dir: %w", err)
		}
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open module bucket %s: %w", bucketURL, err)
	}
	return New(bucket, "modules/")
}

// New wraps an open bucket. Keys are prefixed with prefix.
func New(bucket *blob.Bucket, prefix string) (*Store, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Store{bucket: bucket, prefix: prefix, encoder: enc, decoder: dec}, nil
}

// Key returns the blob key for a module ID.
func (s *Store) Key(moduleID string) string {
	return s.prefix + moduleID + ".wasm.zst"
}

// Put stores binary under its module ID and returns the key.
func (s *Store) Put(ctx context.Context, moduleID string, binary []byte) (string, error) {
	key := s.Key(moduleID)

	exists, err := s.bucket.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("check %s: %w", key, err)
	}
	if exists {
		return key, nil
	}

	compressed := s.encoder.EncodeAll(binary, nil)
	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: "application/zstd"})
	if err != nil {
		return "", fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := w.Write(compressed); err != nil {
		w.Close()
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close writer for %s: %w", key, err)
	}
	return key, nil
}

// Get loads the binary stored at key and checks it against moduleID.
func (s *Store) Get(ctx context.Context, key, moduleID string) ([]byte, error) {
	compressed, err := s.bucket.ReadAll(ctx, key)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}

	binary, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress %s: %w", key, err)
	}
	if ir.ModuleID(binary) != moduleID {
		return nil, fmt.Errorf("%s: %w", key, ErrIntegrity)
	}
	return binary, nil
}

// Load fetches a module's binary into a copy of m.
func (s *Store) Load(ctx context.Context, m ir.DaemonModule) (ir.DaemonModule, error) {
	binary, err := s.Get(ctx, m.BlobKey, m.ID)
	if err != nil {
		return ir.DaemonModule{}, err
	}
	m.Binary = binary
	return m, nil
}

// Close releases the bucket and codec resources.
func (s *Store) Close() error {
	s.decoder.Close()
	s.encoder.Close()
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}
