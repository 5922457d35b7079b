package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"equity-screener/config"
)

var (
	// ErrDisabled is returned by lookups when Vault is not configured
	ErrDisabled = errors.New("vault is disabled")
	// ErrKeyNotFound is returned when no key is stored for a provider
	ErrKeyNotFound = errors.New("API key not found")
)

// Client wraps the HashiCorp Vault client. It resolves LLM provider API
// keys from a KV v2 mount: <mount>/data/<secret_path>/<provider>, field
// "api_key".
type Client struct {
	client *api.Client
	config config.VaultConfig
	mu     sync.RWMutex
	cache  map[string]string // provider -> api key
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg, cache: make(map[string]string)}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client: client,
		config: cfg,
		cache:  make(map[string]string),
	}, nil
}

// ProviderKey returns the stored API key for an LLM provider
func (c *Client) ProviderKey(ctx context.Context, provider string) (string, error) {
	c.mu.RLock()
	if key, ok := c.cache[provider]; ok {
		c.mu.RUnlock()
		return key, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return "", ErrDisabled
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(provider))
	if err != nil {
		return "", fmt.Errorf("failed to read API key from vault: %w", err)
	}
	key, err := keyFromSecret(secret)
	if err != nil {
		return "", fmt.Errorf("%s: %w", provider, err)
	}

	c.mu.Lock()
	c.cache[provider] = key
	c.mu.Unlock()
	return key, nil
}

// ClearCache drops cached keys so the next lookup rereads Vault
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]string)
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

// secretPath returns the KV v2 data path for a provider
func (c *Client) secretPath(provider string) string {
	return fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, provider)
}

// keyFromSecret extracts api_key from a KV v2 read
func keyFromSecret(secret *api.Secret) (string, error) {
	if secret == nil || secret.Data == nil {
		return "", ErrKeyNotFound
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("invalid secret format")
	}
	key := getString(data, "api_key")
	if key == "" {
		return "", ErrKeyNotFound
	}
	return key, nil
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
