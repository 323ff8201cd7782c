package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"doppel-ai/internal/domain"
)

// masterKeyEnv names the environment variable holding the passphrase for
// "enc:" config values.
const masterKeyEnv = "RELAY_MASTER_KEY"

// Config is the top-level application configuration.
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Provider ProviderConfig `yaml:"provider"`
	Stats    StatsConfig    `yaml:"stats"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
}

// AgentConfig holds remote agent service settings.
type AgentConfig struct {
	// APIURL is the REST base URL for create-agent calls.
	APIURL string `yaml:"api_url"`
	// RealtimeURL is the websocket endpoint of the realtime protocol.
	RealtimeURL string `yaml:"realtime_url"`
	// APIKey authenticates both surfaces. Supports the enc: scheme.
	APIKey string `yaml:"api_key"`
	// RouterType selects the remote routing strategy for new agents.
	RouterType string `yaml:"router_type"`
}

// ProviderConfig holds configuration-provider polling settings.
type ProviderConfig struct {
	URL string `yaml:"url"`
	// Token authenticates snapshot fetches. Supports the enc: scheme.
	Token        string        `yaml:"token"`
	PollInterval time.Duration `yaml:"poll_interval"` // default 2s
}

// StatsConfig holds stats sink settings.
type StatsConfig struct {
	// Backend is "http", "sqlite" or "none".
	Backend string `yaml:"backend"`
	URL     string `yaml:"url"`
	Path    string `yaml:"path"` // sqlite file for the local backend
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout, stderr or a file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout or noop
}

// Load reads, env-expands, decrypts and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrConfigLoad, path, err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrConfigLoad, path, err)
	}

	if err := decryptSecrets(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with sensible defaults applied.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			RouterType: "conversation",
		},
		Provider: ProviderConfig{
			PollInterval: 2 * time.Second,
		},
		Stats: StatsConfig{
			Backend: "none",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// decryptSecrets finds "enc:..." values and decrypts them with the master key.
func decryptSecrets(cfg *Config) error {
	secrets := []*string{&cfg.Agent.APIKey, &cfg.Provider.Token}
	needKey := false
	for _, s := range secrets {
		if strings.HasPrefix(*s, "enc:") {
			needKey = true
		}
	}
	if !needKey {
		return nil
	}

	passphrase := os.Getenv(masterKeyEnv)
	if passphrase == "" {
		return fmt.Errorf("config contains encrypted values but %s is not set", masterKeyEnv)
	}
	for _, s := range secrets {
		if !strings.HasPrefix(*s, "enc:") {
			continue
		}
		plain, err := DecryptValue(strings.TrimPrefix(*s, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("decrypt config secret: %w", err)
		}
		*s = plain
	}
	return nil
}

// EncryptValue encrypts a value with AES-256-GCM under an argon2id-derived key.
// Format: hex(salt) + ":" + hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("%w: invalid encrypted format", domain.ErrDecryption)
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: decode salt: %v", domain.ErrDecryption, err)
	}
	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", domain.ErrDecryption, err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}
