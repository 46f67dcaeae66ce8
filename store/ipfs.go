package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/passkey-account-backend/interfaces"
)

// IPFSBackend stores records in an IPFS node's mutable file system. Records
// need stable keys and deletion, so it uses the MFS files API rather than
// raw content-addressed blocks.
type IPFSBackend struct {
	shell       *shell.Shell
	host        string
	port        string
	rootDir     string
	log         *slog.Logger
	locationURI string
}

// NewIPFSBackend creates an IPFS storage backend connected to the specified
// host and port, rooted at rootDir in the node's MFS.
func NewIPFSBackend(host, port, rootDir string, log *slog.Logger) (*IPFSBackend, error) {
	apiURL := fmt.Sprintf("%s:%s", host, port)
	rootDir = "/" + strings.Trim(rootDir, "/")

	return &IPFSBackend{
		shell:       shell.NewShell(apiURL),
		host:        host,
		port:        port,
		rootDir:     rootDir,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s", apiURL, rootDir),
	}, nil
}

func (b *IPFSBackend) mfsPath(kind RecordKind, key string) string {
	return path.Join(b.rootDir, kind.String(), key)
}

func (b *IPFSBackend) Get(ctx context.Context, kind RecordKind, key string) ([]byte, error) {
	if !b.shell.IsUp() {
		return nil, fmt.Errorf("ipfs node %s:%s: %w", b.host, b.port, interfaces.ErrStoreUnavailable)
	}

	reader, err := b.shell.FilesRead(ctx, b.mfsPath(kind, key))
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") || strings.Contains(err.Error(), "file does not exist") {
			return nil, fmt.Errorf("%s/%s: %w", kind.String(), key, interfaces.ErrRecordNotFound)
		}
		return nil, fmt.Errorf("failed to read record from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read record from IPFS: %w", err)
	}
	return data, nil
}

func (b *IPFSBackend) Put(ctx context.Context, kind RecordKind, key string, data []byte) error {
	if !b.shell.IsUp() {
		return fmt.Errorf("ipfs node %s:%s: %w", b.host, b.port, interfaces.ErrStoreUnavailable)
	}

	target := b.mfsPath(kind, key)
	err := b.shell.FilesWrite(ctx, target, bytes.NewReader(data),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		return fmt.Errorf("failed to write record to IPFS: %w", err)
	}

	b.log.Debug("Stored record in IPFS", slog.String("path", target), slog.Int("size", len(data)))
	return nil
}

func (b *IPFSBackend) Delete(ctx context.Context, kind RecordKind, key string) error {
	if !b.shell.IsUp() {
		return fmt.Errorf("ipfs node %s:%s: %w", b.host, b.port, interfaces.ErrStoreUnavailable)
	}

	err := b.shell.FilesRm(ctx, b.mfsPath(kind, key), true)
	if err != nil && !strings.Contains(err.Error(), "does not exist") {
		return fmt.Errorf("failed to delete record from IPFS: %w", err)
	}
	return nil
}

func (b *IPFSBackend) List(ctx context.Context, kind RecordKind, prefix string) ([]string, error) {
	if !b.shell.IsUp() {
		return nil, fmt.Errorf("ipfs node %s:%s: %w", b.host, b.port, interfaces.ErrStoreUnavailable)
	}

	// Keys may contain a single '/' (account/credential), so list one level
	// and descend into directories.
	root := path.Join(b.rootDir, kind.String())
	entries, err := b.shell.FilesLs(ctx, root)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list records in IPFS: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.Type == 1 { // directory
			children, err := b.shell.FilesLs(ctx, path.Join(root, entry.Name))
			if err != nil {
				return nil, fmt.Errorf("failed to list records in IPFS: %w", err)
			}
			for _, child := range children {
				key := entry.Name + "/" + child.Name
				if strings.HasPrefix(key, prefix) {
					keys = append(keys, key)
				}
			}
			continue
		}
		if strings.HasPrefix(entry.Name, prefix) {
			keys = append(keys, entry.Name)
		}
	}
	return keys, nil
}

// Available checks if the IPFS node is accessible.
func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}
