package store

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// BackendFactory creates storage backends from URI strings.
type BackendFactory struct {
	log *slog.Logger
}

// NewBackendFactory creates a new factory instance.
func NewBackendFactory(logger *slog.Logger) *BackendFactory {
	return &BackendFactory{log: logger}
}

// BackendFor creates a storage backend from a location URI.
// The URI format is [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - file:// - Local filesystem storage
//   - s3:// - Amazon S3 or compatible object storage
//   - ipfs:// - IPFS node (mutable file system)
//   - vault:// - HashiCorp Vault KV v2
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (sf *BackendFactory) BackendFor(locationURI string) (KVBackend, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid storage location URI: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return sf.createFileBackend(u)
	case "s3":
		return sf.createS3Backend(u)
	case "ipfs":
		return sf.createIPFSBackend(u)
	case "vault":
		return sf.createVaultBackend(u)
	default:
		return nil, fmt.Errorf("unsupported backend scheme: %s", u.Scheme)
	}
}

// createFileBackend creates a file system storage backend.
// URI format: file:///absolute/path/ or file://./relative/path/
func (sf *BackendFactory) createFileBackend(u *url.URL) (KVBackend, error) {
	sf.log.Debug("Creating file backend", slog.String("uri", u.String()))

	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("empty path in file URI: %s", u.String())
	}

	return NewFileBackend(path, sf.log)
}

// createS3Backend creates an S3 or S3-compatible storage backend.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/path/?region=us-west-2&endpoint=custom.s3.com
func (sf *BackendFactory) createS3Backend(u *url.URL) (KVBackend, error) {
	sf.log.Debug("Creating S3 backend", slog.String("uri", u.Host))

	bucketName := u.Host
	prefix := strings.TrimPrefix(u.Path, "/")

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := query.Get("endpoint")

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3Backend(bucketName, prefix, region, endpoint, accessKey, secretKey, sf.log)
}

// createIPFSBackend creates an IPFS storage backend.
// URI format: ipfs://host:port/root-dir
func (sf *BackendFactory) createIPFSBackend(u *url.URL) (KVBackend, error) {
	sf.log.Debug("Creating IPFS backend", slog.String("uri", u.String()))

	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "5001" // Default IPFS API port
	}

	rootDir := strings.Trim(u.Path, "/")
	if rootDir == "" {
		rootDir = "passkeys"
	}

	return NewIPFSBackend(host, port, rootDir, sf.log)
}

// createVaultBackend creates a HashiCorp Vault storage backend.
// URI format: vault://[:TOKEN@]host:port/mount/path?tls=true
func (sf *BackendFactory) createVaultBackend(u *url.URL) (KVBackend, error) {
	sf.log.Debug("Creating Vault backend", slog.String("uri", u.Host))

	scheme := "https"
	if u.Query().Get("tls") == "false" {
		scheme = "http"
	}
	address := fmt.Sprintf("%s://%s", scheme, u.Host)

	var token string
	if u.User != nil {
		token, _ = u.User.Password()
		if token == "" {
			token = u.User.Username()
		}
	}

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	mountPath := "secret"
	dataPath := "passkeys"
	if len(parts) > 0 && parts[0] != "" {
		mountPath = parts[0]
	}
	if len(parts) > 1 && parts[1] != "" {
		dataPath = parts[1]
	}

	return NewVaultBackend(address, token, mountPath, dataPath, sf.log)
}
