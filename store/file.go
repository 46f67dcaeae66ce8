package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/passkey-account-backend/interfaces"
)

// FileBackend stores records on the local file system, one file per record,
// organized by record kind. Writes go through a temp file and rename so a
// crash never leaves a torn record.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a file storage backend rooted at baseDir, creating
// the per-kind subdirectories if needed.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	for _, kind := range []RecordKind{UserKind, AuthenticatorKind, JournalKind} {
		if err := os.MkdirAll(filepath.Join(baseDir, kind.String()), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", kind.String(), err)
		}
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

func (b *FileBackend) path(kind RecordKind, key string) string {
	return filepath.Join(b.baseDir, kind.String(), filepath.FromSlash(key))
}

func (b *FileBackend) Get(ctx context.Context, kind RecordKind, key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(kind, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", kind.String(), key, interfaces.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", kind.String(), key, err)
	}
	return data, nil
}

func (b *FileBackend) Put(ctx context.Context, kind RecordKind, key string, data []byte) error {
	target := b.path(kind, key)
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return fmt.Errorf("failed to create record directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close record: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit record: %w", err)
	}
	return nil
}

func (b *FileBackend) Delete(ctx context.Context, kind RecordKind, key string) error {
	err := os.Remove(b.path(kind, key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s/%s: %w", kind.String(), key, err)
	}
	return nil
}

func (b *FileBackend) List(ctx context.Context, kind RecordKind, prefix string) ([]string, error) {
	root := filepath.Join(b.baseDir, kind.String())
	var keys []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) && !strings.HasPrefix(filepath.Base(key), ".tmp-") {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind.String(), err)
	}
	return keys, nil
}

func (b *FileBackend) Available(ctx context.Context) bool {
	info, err := os.Stat(b.baseDir)
	return err == nil && info.IsDir()
}

func (b *FileBackend) Name() string {
	return "file"
}

func (b *FileBackend) LocationURI() string {
	return b.locationURI
}
