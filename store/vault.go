package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/passkey-account-backend/interfaces"
)

// VaultBackend stores records in HashiCorp Vault using the KV v2 secrets
// engine. Credential material is encrypted before it reaches the store, but
// Vault adds access control and audit logging on top.
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend creates a Vault storage backend.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - token: Vault authentication token
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: path within the mount (e.g. "passkeys")
//   - log: structured logger for operational insights
func NewVaultBackend(address, token, mountPath, dataPath string, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = address

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.TrimSuffix(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", address, mountPath, dataPath),
	}, nil
}

// Vault KV v2 splits the API path by operation: "data" for reads and
// writes, "metadata" for deletes and listing.
func (b *VaultBackend) apiPath(op string, kind RecordKind, key string) string {
	p := fmt.Sprintf("%s/%s/%s/%s", b.mountPath, op, b.dataPath, kind.String())
	if key != "" {
		p += "/" + key
	}
	return p
}

func (b *VaultBackend) Get(ctx context.Context, kind RecordKind, key string) ([]byte, error) {
	path := b.apiPath("data", kind, key)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%s/%s: %w", kind.String(), key, interfaces.ErrRecordNotFound)
	}

	data, ok := secret.Data["data"]
	if !ok {
		return nil, fmt.Errorf("invalid data format in Vault response")
	}
	content, ok := data.(map[string]interface{})["content"]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", kind.String(), key, interfaces.ErrRecordNotFound)
	}
	contentStr, ok := content.(string)
	if !ok {
		return nil, fmt.Errorf("invalid content format in Vault data")
	}
	return []byte(contentStr), nil
}

func (b *VaultBackend) Put(ctx context.Context, kind RecordKind, key string, data []byte) error {
	path := b.apiPath("data", kind, key)

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"content": string(data),
		},
	}

	_, err := b.client.Logical().WriteWithContext(ctx, path, secretData)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	b.log.Debug("Stored record in Vault", slog.String("path", path))
	return nil
}

func (b *VaultBackend) Delete(ctx context.Context, kind RecordKind, key string) error {
	path := b.apiPath("metadata", kind, key)

	_, err := b.client.Logical().DeleteWithContext(ctx, path)
	if err != nil {
		if strings.Contains(err.Error(), "404") {
			return nil
		}
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

func (b *VaultBackend) List(ctx context.Context, kind RecordKind, prefix string) ([]string, error) {
	keys, err := b.list(ctx, b.apiPath("metadata", kind, ""))
	if err != nil {
		return nil, err
	}

	var matched []string
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, key)
		}
	}
	return matched, nil
}

func (b *VaultBackend) list(ctx context.Context, path string) ([]string, error) {
	secret, err := b.client.Logical().ListWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	entries, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}

	var keys []string
	for _, entry := range entries {
		name, ok := entry.(string)
		if !ok {
			continue
		}
		// Directory entries carry a trailing slash and need a recursive list.
		if strings.HasSuffix(name, "/") {
			children, err := b.list(ctx, path+"/"+strings.TrimSuffix(name, "/"))
			if err != nil {
				return nil, err
			}
			for _, child := range children {
				keys = append(keys, name+child)
			}
			continue
		}
		keys = append(keys, name)
	}
	return keys, nil
}

// Available checks that Vault is reachable, initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}
	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}
	return true
}

func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}
