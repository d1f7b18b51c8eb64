package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kashyap2306/dlxtrade-ws-sub001/config"

	"github.com/hashicorp/vault/api"
)

// ErrKeyNotFound is returned when no credentials exist for a user and exchange.
var ErrKeyNotFound = errors.New("API key not found")

// APIKeyData represents the exchange credentials stored in Vault
type APIKeyData struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	Exchange  string `json:"exchange"`
	IsTestnet bool   `json:"is_testnet"`
}

// Client wraps the HashiCorp Vault client. With vault disabled it keeps keys
// in process memory, which is what local development and tests use.
type Client struct {
	client *api.Client
	config config.VaultConfig
	mu     sync.RWMutex
	cache  map[string]*APIKeyData
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	c := &Client{
		config: cfg,
		cache:  make(map[string]*APIKeyData),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client

	return c, nil
}

// StoreAPIKey stores exchange credentials for a user
func (c *Client) StoreAPIKey(ctx context.Context, userID string, data APIKeyData) error {
	if c.config.Enabled {
		secretData := map[string]interface{}{
			"data": map[string]interface{}{
				"api_key":    data.APIKey,
				"secret_key": data.SecretKey,
				"exchange":   data.Exchange,
				"is_testnet": data.IsTestnet,
			},
		}
		if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(userID, data.Exchange, data.IsTestnet), secretData); err != nil {
			return fmt.Errorf("failed to store API key in vault: %w", err)
		}
	}

	c.mu.Lock()
	c.cache[c.cacheKey(userID, data.Exchange, data.IsTestnet)] = &data
	c.mu.Unlock()
	return nil
}

// GetAPIKey retrieves exchange credentials for a user
func (c *Client) GetAPIKey(ctx context.Context, userID, exchange string, isTestnet bool) (*APIKeyData, error) {
	c.mu.RLock()
	cached, ok := c.cache[c.cacheKey(userID, exchange, isTestnet)]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if !c.config.Enabled {
		return nil, ErrKeyNotFound
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(userID, exchange, isTestnet))
	if err != nil {
		return nil, fmt.Errorf("failed to read API key from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrKeyNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	apiKeyData := &APIKeyData{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		Exchange:  getString(data, "exchange"),
		IsTestnet: getBool(data, "is_testnet"),
	}

	c.mu.Lock()
	c.cache[c.cacheKey(userID, exchange, isTestnet)] = apiKeyData
	c.mu.Unlock()

	return apiKeyData, nil
}

// Forget drops cached credentials so the next read goes to Vault.
func (c *Client) Forget(userID, exchange string, isTestnet bool) {
	c.mu.Lock()
	delete(c.cache, c.cacheKey(userID, exchange, isTestnet))
	c.mu.Unlock()
}

// HealthCheck reports whether Vault is reachable and unsealed.
func (c *Client) HealthCheck(ctx context.Context) error {
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

func (c *Client) secretPath(userID, exchange string, isTestnet bool) string {
	return fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, c.cacheKey(userID, exchange, isTestnet))
}

func (c *Client) cacheKey(userID, exchange string, isTestnet bool) string {
	env := "mainnet"
	if isTestnet {
		env = "testnet"
	}
	return fmt.Sprintf("%s/%s/%s", userID, exchange, env)
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}
