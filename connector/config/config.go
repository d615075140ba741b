// Package config holds the connector-cli configuration file.
package config

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Near-One/native-erc20-connector/connector/near"
)

const DefaultPath = "config.json"

// TestnetWNear is the wrapped NEAR token bridged to Aurora testnet.
var TestnetWNear = common.HexToAddress("0x4861825E75ab14553E5aF711EbbE6873d369d146")

type Config struct {
	// NearRPCURL is the NEAR JSON-RPC endpoint.
	NearRPCURL string `json:"near_rpc_url"`
	// AuroraRPCURL is the Engine's Ethereum JSON-RPC endpoint. Required when
	// UseAuroraRPC is set, otherwise only used for read-only checks.
	AuroraRPCURL *string `json:"aurora_rpc_url"`
	// FactoryAccountID receives the factory code and signs every transaction.
	FactoryAccountID near.AccountID `json:"factory_account_id"`
	// AuroraAccountID is the account the Engine is deployed to.
	AuroraAccountID near.AccountID `json:"aurora_account_id"`
	WNearAddress    common.Address `json:"wnear_address"`
	// LockerAddress is null until a locker deployment has been confirmed.
	LockerAddress *common.Address `json:"locker_address"`
	LogPath       string          `json:"log_path"`
	Signing       *Signing        `json:"signing"`
	// RepositoryRoot defaults to the current directory when null.
	RepositoryRoot       *string `json:"repository_root"`
	UseAuroraRPC         bool    `json:"use_aurora_rpc"`
	AllowChangedFiles    bool    `json:"allow_changed_files"`
	AllowDeployOverwrite bool    `json:"allow_deploy_overwrite"`

	Confirmation      Confirmation `json:"confirmation"`
	Archive           *Archive     `json:"archive,omitempty"`
	EventsDatabaseURL string       `json:"events_database_url,omitempty"`
	MetricsPath       string       `json:"metrics_path,omitempty"`
}

type Signing struct {
	// NearKeyPath points at a near-cli style JSON key file.
	NearKeyPath string `json:"near_key_path"`
	// AuroraKeyPath points at a hex encoded secp256k1 private key.
	AuroraKeyPath *string `json:"aurora_key_path"`
}

type Confirmation struct {
	PollInterval Duration `json:"poll_interval"`
	// MaxPolls of zero waits for finality without a limit.
	MaxPolls int `json:"max_polls"`
}

func (c Confirmation) Policy() near.PollPolicy {
	p := near.PollPolicy{Interval: time.Duration(c.PollInterval), MaxPolls: c.MaxPolls}
	if p.Interval <= 0 {
		p.Interval = near.DefaultPollPolicy().Interval
	}
	return p
}

// Archive configures the optional object store copy of each run's events.
// Credentials are read from the environment, never from the file.
type Archive struct {
	Endpoint string `json:"endpoint"`
	Bucket   string `json:"bucket"`
	Prefix   string `json:"prefix,omitempty"`
	UseSSL   bool   `json:"use_ssl"`
	Region   string `json:"region,omitempty"`
}

func (a Archive) Validate() error {
	if strings.TrimSpace(a.Endpoint) == "" {
		return errors.New("archive endpoint is required")
	}
	if strings.TrimSpace(a.Bucket) == "" {
		return errors.New("archive bucket is required")
	}
	return nil
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(parsed)
	return nil
}

func Testnet() Config {
	return Config{
		NearRPCURL:       "https://archival-rpc.testnet.near.org/",
		FactoryAccountID: "factory.testnet",
		AuroraAccountID:  "aurora",
		WNearAddress:     TestnetWNear,
		LogPath:          "connector_cli.log",
		Confirmation:     Confirmation{PollInterval: Duration(time.Second)},
	}
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes the config as indented JSON, replacing the file atomically.
func (c *Config) Save(path string) error {
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.NearRPCURL) == "" {
		return errors.New("near_rpc_url is required")
	}
	if err := c.FactoryAccountID.Validate(); err != nil {
		return fmt.Errorf("factory_account_id: %w", err)
	}
	if err := c.AuroraAccountID.Validate(); err != nil {
		return fmt.Errorf("aurora_account_id: %w", err)
	}
	if strings.TrimSpace(c.LogPath) == "" {
		return errors.New("log_path is required")
	}
	if c.UseAuroraRPC && c.AuroraRPCURL == nil {
		return errors.New("aurora_rpc_url is required when use_aurora_rpc is set")
	}
	if c.Confirmation.MaxPolls < 0 {
		return errors.New("confirmation.max_polls must not be negative")
	}
	if c.Archive != nil {
		if err := c.Archive.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) RepositoryPath() string {
	if c.RepositoryRoot == nil || *c.RepositoryRoot == "" {
		return "."
	}
	return *c.RepositoryRoot
}

// NearSigner loads the key used to sign NEAR transactions.
func (c *Config) NearSigner() (*near.Signer, error) {
	if c.Signing == nil || c.Signing.NearKeyPath == "" {
		return nil, errors.New("missing signing config")
	}
	return near.LoadKeyFile(c.Signing.NearKeyPath)
}

// AuroraKey loads the optional secp256k1 key used with the Aurora RPC.
func (c *Config) AuroraKey() (*ecdsa.PrivateKey, error) {
	if c.Signing == nil || c.Signing.AuroraKeyPath == nil {
		return nil, errors.New("missing aurora_key_path in signing config")
	}
	raw, err := os.ReadFile(*c.Signing.AuroraKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read aurora key: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse aurora key: %w", err)
	}
	return key, nil
}
