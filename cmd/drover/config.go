package main

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/drover-sh/drover/internal/driver"
	"github.com/drover-sh/drover/internal/store"
	"github.com/drover-sh/drover/pkg/schema"
)

// Config holds all drover daemon configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath        string           `json:"db_path"`
	LogLevel      string           `json:"log_level"`
	PoolSize      int              `json:"pool_size"`
	TickInterval  string           `json:"tick_interval"`
	IdleTimeout   string           `json:"idle_timeout"`
	AccountsPath  string           `json:"accounts_path"`
	WorkflowsPath string           `json:"workflows_path"`
	Driver        driver.MCPConfig `json:"driver"`
	Cooldown      CooldownSettings `json:"cooldown"`
}

// CooldownSettings tunes the per-account failure guard.
type CooldownSettings struct {
	FailureThreshold int    `json:"failure_threshold"`
	Window           string `json:"window"`
}

func defaultConfig() Config {
	return Config{
		DBPath:        filepath.Join(droverDir(), "drover.db"),
		LogLevel:      "info",
		PoolSize:      4,
		TickInterval:  "60s",
		IdleTimeout:   "15m",
		AccountsPath:  filepath.Join(droverDir(), "accounts.yaml"),
		WorkflowsPath: filepath.Join(droverDir(), "workflows.yaml"),
		Cooldown: CooldownSettings{
			FailureThreshold: 3,
			Window:           "10m",
		},
	}
}

func droverDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".drover"
	}
	return filepath.Join(home, ".drover")
}

func settingsPath() string {
	return filepath.Join(droverDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("DROVER_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("DROVER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DROVER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("DROVER_TICK_INTERVAL"); v != "" {
		cfg.TickInterval = v
	}
	if v := os.Getenv("DROVER_IDLE_TIMEOUT"); v != "" {
		cfg.IdleTimeout = v
	}
	if v := os.Getenv("DROVER_ACCOUNTS_PATH"); v != "" {
		cfg.AccountsPath = v
	}
	if v := os.Getenv("DROVER_WORKFLOWS_PATH"); v != "" {
		cfg.WorkflowsPath = v
	}
	if v := os.Getenv("DROVER_DRIVER_COMMAND"); v != "" {
		cfg.Driver.Command = v
	}

	return cfg
}

// duration parses a config duration, falling back when unset or malformed.
func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// vaultSalt loads the PBKDF2 salt, generating and persisting one on first
// run. The passphrase itself only ever arrives via DROVER_VAULT_PASSPHRASE.
func vaultSalt() ([]byte, error) {
	path := filepath.Join(droverDir(), "vault.salt")
	if salt, err := os.ReadFile(path); err == nil && len(salt) > 0 {
		return salt, nil
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate vault salt: %w", err)
	}
	if err := os.MkdirAll(droverDir(), 0o700); err != nil {
		return nil, fmt.Errorf("create drover dir: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("persist vault salt: %w", err)
	}
	return salt, nil
}

// accountsFile is the YAML shape of the accounts config.
type accountsFile struct {
	Accounts []*store.Account `json:"accounts"`
}

// loadAccounts reads the accounts YAML. A missing file is not an error; the
// fleet may be managed entirely through the store.
func loadAccounts(path string) ([]*store.Account, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	jsonData, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}
	var file accountsFile
	if err := json.Unmarshal(jsonData, &file); err != nil {
		return nil, fmt.Errorf("decode accounts file: %w", err)
	}

	for _, acct := range file.Accounts {
		if acct.ID == "" {
			return nil, schema.NewError(schema.ErrCodeConfig, "account without id in accounts file")
		}
		if acct.CredentialRef == "" {
			return nil, schema.NewErrorf(schema.ErrCodeConfig,
				"account %s has no credential_ref", acct.ID)
		}
	}
	return file.Accounts, nil
}

// workflowsFile is the YAML shape of the workflows config.
type workflowsFile struct {
	Workflows []schema.WorkflowDefinition `json:"workflows"`
}

// workflowCatalog resolves workflow names for the scheduler.
type workflowCatalog map[string]schema.WorkflowDefinition

func (c workflowCatalog) Workflow(name string) (schema.WorkflowDefinition, error) {
	def, ok := c[name]
	if !ok {
		return schema.WorkflowDefinition{}, schema.NewErrorf(schema.ErrCodeNotFound,
			"workflow %s is not configured", name)
	}
	return def, nil
}

// loadWorkflows reads the workflows YAML into a name-indexed catalog.
func loadWorkflows(path string) (workflowCatalog, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return workflowCatalog{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workflows file: %w", err)
	}

	jsonData, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("parse workflows file: %w", err)
	}
	var file workflowsFile
	if err := json.Unmarshal(jsonData, &file); err != nil {
		return nil, fmt.Errorf("decode workflows file: %w", err)
	}

	catalog := make(workflowCatalog, len(file.Workflows))
	for _, def := range file.Workflows {
		if def.Name == "" {
			return nil, schema.NewError(schema.ErrCodeConfig, "workflow without name in workflows file")
		}
		if _, dup := catalog[def.Name]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeConfig,
				"workflow %s is defined twice", def.Name)
		}
		catalog[def.Name] = def
	}
	return catalog, nil
}
