package secrets

import (
	"fmt"
	"os"

	vault "github.com/hashicorp/vault/api"
	"github.com/sirupsen/logrus"

	"github.com/xarb-io/xarb/pkg/types"
)

// Vault reads venue credentials from a KV v2 mount at
// secret/data/venues/{venue}, with fields api_key, secret_key and an
// optional passphrase.
type Vault struct {
	client *vault.Client
	logger *logrus.Entry
}

// VaultConfig holds connection settings. Empty fields fall back to
// VAULT_ADDR / VAULT_TOKEN.
type VaultConfig struct {
	Address string
	Token   string
}

// NewVault connects and verifies the server is unsealed.
func NewVault(cfg VaultConfig) (*Vault, error) {
	if cfg.Address == "" {
		cfg.Address = os.Getenv("VAULT_ADDR")
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("VAULT_TOKEN")
	}

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	health, err := client.Sys().Health()
	if err != nil {
		return nil, fmt.Errorf("vault is not healthy: %w", err)
	}
	if health.Sealed {
		return nil, fmt.Errorf("vault is sealed")
	}

	return &Vault{
		client: client,
		logger: logrus.WithField("component", "vault"),
	}, nil
}

// Get reads credentials for a venue. A missing secret yields empty
// credentials, not an error.
func (v *Vault) Get(venue string) (types.Credentials, error) {
	path := fmt.Sprintf("secret/data/venues/%s", venue)

	secret, err := v.client.Logical().Read(path)
	if err != nil {
		return types.Credentials{}, fmt.Errorf("failed to read credentials for %s: %w", venue, err)
	}
	if secret == nil || secret.Data == nil {
		return types.Credentials{}, nil
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return types.Credentials{}, fmt.Errorf("unexpected secret layout for %s", venue)
	}

	creds := types.Credentials{}
	if key, ok := data["api_key"].(string); ok {
		creds.Key = key
	}
	if sec, ok := data["secret_key"].(string); ok {
		creds.Secret = sec
	}
	if pass, ok := data["passphrase"].(string); ok {
		creds.Passphrase = pass
	}
	return creds, nil
}

// Store writes credentials for a venue. Used by provisioning tools, not the
// trading path.
func (v *Vault) Store(venue string, creds types.Credentials) error {
	path := fmt.Sprintf("secret/data/venues/%s", venue)

	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    creds.Key,
			"secret_key": creds.Secret,
		},
	}
	if creds.Passphrase != "" {
		payload["data"].(map[string]interface{})["passphrase"] = creds.Passphrase
	}

	if _, err := v.client.Logical().Write(path, payload); err != nil {
		return fmt.Errorf("failed to store credentials for %s: %w", venue, err)
	}
	v.logger.Infof("Stored credentials for %s", venue)
	return nil
}
