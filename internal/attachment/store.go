// Package attachment hands inbound attachment bytes to the blob store.
// Blob storage proper is an external collaborator; the filesystem store here
// is the content-addressed default used when nothing else is wired.
package attachment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Ref identifies a stored blob.
type Ref struct {
	Key  string `json:"key"`
	Name string `json:"name,omitempty"`
	Mime string `json:"mime,omitempty"`
	Size int64  `json:"size"`
}

// Store is the collaborator interface the pipeline and pollers consume.
type Store interface {
	Put(ctx context.Context, name, mime string, data []byte) (Ref, error)
}

// FSStore writes content-addressed blobs under a data root. Identical
// payloads share one file, which makes re-polls after a crash idempotent.
type FSStore struct {
	root   string
	logger *slog.Logger
}

func NewFSStore(log *slog.Logger, root string) *FSStore {
	return &FSStore{
		root:   root,
		logger: log.With(slog.String("service", "attachment")),
	}
}

func (s *FSStore) Put(_ context.Context, name, mime string, data []byte) (Ref, error) {
	if len(data) == 0 {
		return Ref{}, fmt.Errorf("attachment is empty")
	}
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])

	dir := filepath.Join(s.root, "attachments", key[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Ref{}, fmt.Errorf("create attachment dir: %w", err)
	}
	path := filepath.Join(dir, key)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return Ref{}, fmt.Errorf("write attachment: %w", err)
		}
	}

	return Ref{Key: key, Name: name, Mime: mime, Size: int64(len(data))}, nil
}

var _ Store = (*FSStore)(nil)
