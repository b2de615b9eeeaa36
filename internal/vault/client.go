package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"consensus-trading-bot/config"
)

// ProviderKeyData represents a model provider API key stored in Vault
type ProviderKeyData struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
}

// BrokerKeyData represents broker credentials stored in Vault
type BrokerKeyData struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	IsTestnet bool   `json:"is_testnet"`
}

// Client wraps the HashiCorp Vault client. When Vault is disabled the
// client degrades to an in-memory store so development setups work
// without a Vault server.
type Client struct {
	client       *api.Client
	config       config.VaultConfig
	mu           sync.RWMutex
	providerKeys map[string]*ProviderKeyData // userID/provider -> key
	brokerKeys   map[string]*BrokerKeyData   // userID -> key
	cacheEnabled bool
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{
			config:       cfg,
			providerKeys: make(map[string]*ProviderKeyData),
			brokerKeys:   make(map[string]*BrokerKeyData),
			cacheEnabled: true,
		}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client:       client,
		config:       cfg,
		providerKeys: make(map[string]*ProviderKeyData),
		brokerKeys:   make(map[string]*BrokerKeyData),
		cacheEnabled: true,
	}, nil
}

// StoreProviderKey stores a model provider API key for a user
func (c *Client) StoreProviderKey(ctx context.Context, userID string, data ProviderKeyData) error {
	if !c.config.Enabled {
		c.mu.Lock()
		c.providerKeys[c.providerCacheKey(userID, data.Provider)] = &data
		c.mu.Unlock()
		return nil
	}

	path := c.providerSecretPath(userID, data.Provider)

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"provider": data.Provider,
			"api_key":  data.APIKey,
		},
	}

	_, err := c.client.Logical().WriteWithContext(ctx, path, secretData)
	if err != nil {
		return fmt.Errorf("failed to store provider key in vault: %w", err)
	}

	if c.cacheEnabled {
		c.mu.Lock()
		c.providerKeys[c.providerCacheKey(userID, data.Provider)] = &data
		c.mu.Unlock()
	}

	return nil
}

// GetProviderKey retrieves a model provider API key for a user
func (c *Client) GetProviderKey(ctx context.Context, userID, provider string) (*ProviderKeyData, error) {
	if c.cacheEnabled {
		c.mu.RLock()
		if cached, ok := c.providerKeys[c.providerCacheKey(userID, provider)]; ok {
			c.mu.RUnlock()
			return cached, nil
		}
		c.mu.RUnlock()
	}

	if !c.config.Enabled {
		return nil, fmt.Errorf("provider key not found and vault is disabled")
	}

	path := c.providerSecretPath(userID, provider)

	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider key from vault: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("provider key not found")
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	keyData := &ProviderKeyData{
		Provider: getString(data, "provider"),
		APIKey:   getString(data, "api_key"),
	}

	if c.cacheEnabled {
		c.mu.Lock()
		c.providerKeys[c.providerCacheKey(userID, provider)] = keyData
		c.mu.Unlock()
	}

	return keyData, nil
}

// StoreBrokerKey stores broker credentials for a user
func (c *Client) StoreBrokerKey(ctx context.Context, userID string, data BrokerKeyData) error {
	if !c.config.Enabled {
		c.mu.Lock()
		c.brokerKeys[userID] = &data
		c.mu.Unlock()
		return nil
	}

	path := c.brokerSecretPath(userID)

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    data.APIKey,
			"secret_key": data.SecretKey,
			"is_testnet": data.IsTestnet,
		},
	}

	_, err := c.client.Logical().WriteWithContext(ctx, path, secretData)
	if err != nil {
		return fmt.Errorf("failed to store broker key in vault: %w", err)
	}

	if c.cacheEnabled {
		c.mu.Lock()
		c.brokerKeys[userID] = &data
		c.mu.Unlock()
	}

	return nil
}

// GetBrokerKey retrieves broker credentials for a user
func (c *Client) GetBrokerKey(ctx context.Context, userID string) (*BrokerKeyData, error) {
	if c.cacheEnabled {
		c.mu.RLock()
		if cached, ok := c.brokerKeys[userID]; ok {
			c.mu.RUnlock()
			return cached, nil
		}
		c.mu.RUnlock()
	}

	if !c.config.Enabled {
		return nil, fmt.Errorf("broker key not found and vault is disabled")
	}

	path := c.brokerSecretPath(userID)

	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read broker key from vault: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("broker key not found")
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	keyData := &BrokerKeyData{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		IsTestnet: getBool(data, "is_testnet"),
	}

	if c.cacheEnabled {
		c.mu.Lock()
		c.brokerKeys[userID] = keyData
		c.mu.Unlock()
	}

	return keyData, nil
}

// DeleteProviderKey deletes a model provider API key for a user
func (c *Client) DeleteProviderKey(ctx context.Context, userID, provider string) error {
	c.mu.Lock()
	delete(c.providerKeys, c.providerCacheKey(userID, provider))
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}

	path := c.providerMetadataPath(userID, provider)

	_, err := c.client.Logical().DeleteWithContext(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to delete provider key from vault: %w", err)
	}

	return nil
}

// ClearCache clears the in-memory cache
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.providerKeys = make(map[string]*ProviderKeyData)
	c.brokerKeys = make(map[string]*BrokerKeyData)
	c.mu.Unlock()
}

// SetCacheEnabled enables or disables caching
func (c *Client) SetCacheEnabled(enabled bool) {
	c.mu.Lock()
	c.cacheEnabled = enabled
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

	health, err := c.client.Sys().Health()
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

func (c *Client) providerSecretPath(userID, provider string) string {
	return fmt.Sprintf("%s/data/%s/%s/provider_%s", c.config.MountPath, c.config.SecretPath, userID, provider)
}

func (c *Client) providerMetadataPath(userID, provider string) string {
	return fmt.Sprintf("%s/metadata/%s/%s/provider_%s", c.config.MountPath, c.config.SecretPath, userID, provider)
}

func (c *Client) brokerSecretPath(userID string) string {
	return fmt.Sprintf("%s/data/%s/%s/broker", c.config.MountPath, c.config.SecretPath, userID)
}

func (c *Client) providerCacheKey(userID, provider string) string {
	return fmt.Sprintf("%s/%s", userID, provider)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if val, ok := data[key]; ok {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return false
}

// NewMockClient creates a vault-disabled client for testing
func NewMockClient() *Client {
	return &Client{
		config: config.VaultConfig{
			Enabled: false,
		},
		providerKeys: make(map[string]*ProviderKeyData),
		brokerKeys:   make(map[string]*BrokerKeyData),
		cacheEnabled: true,
	}
}
