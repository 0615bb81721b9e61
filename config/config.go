package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// AuthoritySeedEnv is the environment variable that overrides the configured
// authority seed. Deployments should prefer the environment over the file.
const AuthoritySeedEnv = "SAFESWAP_AUTHORITY_SEED"

type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	NetworkName   string `toml:"NetworkName"`

	// AuthoritySeed is the hex-encoded process-wide material from which every
	// escrow record's signing authority is derived. It must stay stable for
	// the lifetime of the data directory.
	AuthoritySeed string `toml:"AuthoritySeed"`

	// GatewayDBPath is the sqlite file backing idempotency keys and the
	// gateway audit log. Defaults to gateway.db inside DataDir.
	GatewayDBPath string `toml:"GatewayDBPath"`

	Auth AuthConfig `toml:"Auth"`
}

// AuthConfig configures the gateway's bearer-token authentication.
type AuthConfig struct {
	Enabled  bool   `toml:"Enabled"`
	Secret   string `toml:"Secret"`
	Issuer   string `toml:"Issuer"`
	Audience string `toml:"Audience"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s contains unknown key %q", path, undecoded[0].String())
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./safeswap-data"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "safeswap-local"
	}
	if strings.TrimSpace(cfg.GatewayDBPath) == "" {
		cfg.GatewayDBPath = filepath.Join(cfg.DataDir, "gateway.db")
	}
}

// Validate checks invariants that would otherwise only surface at runtime.
func (c *Config) Validate() error {
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.Secret) == "" {
		return fmt.Errorf("config: Auth.Secret is required when Auth.Enabled is true")
	}
	if seed := strings.TrimSpace(c.AuthoritySeed); seed != "" {
		if _, err := hex.DecodeString(seed); err != nil {
			return fmt.Errorf("config: AuthoritySeed must be hex: %w", err)
		}
	}
	return nil
}

// ResolveAuthoritySeed returns the decoded authority seed, preferring the
// environment variable over the config file.
func (c *Config) ResolveAuthoritySeed() ([]byte, error) {
	source := strings.TrimSpace(os.Getenv(AuthoritySeedEnv))
	if source == "" {
		source = strings.TrimSpace(c.AuthoritySeed)
	}
	if source == "" {
		return nil, fmt.Errorf("config: no authority seed configured; set %s or AuthoritySeed", AuthoritySeedEnv)
	}
	seed, err := hex.DecodeString(source)
	if err != nil {
		return nil, fmt.Errorf("config: invalid authority seed: %w", err)
	}
	if len(seed) < 16 {
		return nil, fmt.Errorf("config: authority seed must be at least 16 bytes")
	}
	return seed, nil
}

// createDefault creates and saves a default configuration file. The generated
// authority seed is random; operators overriding it later must do so before
// any escrow is created.
func createDefault(path string) (*Config, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress: ":8080",
		DataDir:       "./safeswap-data",
		NetworkName:   "safeswap-local",
		AuthoritySeed: hex.EncodeToString(seed),
	}
	applyDefaults(cfg)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}
