package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           int
	Token          string
	DBPath         string
	ProfilesDir    string
	DefaultProfile string
	KillGrace      time.Duration

	XCallbackEnabled bool
	XCallbackKey     string
	// XCallbackPolicy screens x-callback commands for dangerous patterns.
	XCallbackPolicy bool
	// BridgeURL is the base for relative bridge targets. Without it only
	// absolute URLs can be requested.
	BridgeURL string
	// BridgeToken is sent with bridge requests that require auth.
	BridgeToken string

	// Local attaches the terminal the server runs in to a tab.
	Local bool

	ConfigPath string
	PrintToken bool
	Debug      bool
}

func defaults(home string) *Config {
	base := filepath.Join(home, ".config", "flowterm")
	return &Config{
		Port:            8766,
		DBPath:          filepath.Join(base, "flowterm.db"),
		ProfilesDir:     filepath.Join(base, "profiles"),
		DefaultProfile:  "flowsh",
		KillGrace:       2 * time.Second,
		XCallbackPolicy: true,
		ConfigPath:      filepath.Join(base, "config"),
	}
}

// Load reads defaults, then the config file, then command line flags.
func Load() (*Config, error) {
	return load(flag.CommandLine, os.Args[1:])
}

func load(fs *flag.FlagSet, args []string) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	cfg := defaults(homeDir)
	if env := os.Getenv("FLOWTERM_CONFIG"); env != "" {
		cfg.ConfigPath = env
	}

	if err := cfg.loadFromFile(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	fs.IntVar(&cfg.Port, "port", cfg.Port, "server port (1-65535)")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "authentication token (auto-generated if empty)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "session log database path")
	fs.StringVar(&cfg.ProfilesDir, "profiles", cfg.ProfilesDir, "profile directory")
	fs.StringVar(&cfg.DefaultProfile, "profile", cfg.DefaultProfile, "profile for new tabs")
	fs.DurationVar(&cfg.KillGrace, "kill-grace", cfg.KillGrace, "time a killed session gets to exit")
	fs.BoolVar(&cfg.XCallbackEnabled, "x-callback", cfg.XCallbackEnabled, "accept x-callback-url commands")
	fs.StringVar(&cfg.BridgeURL, "bridge-url", cfg.BridgeURL, "base URL for bridge requests")
	fs.StringVar(&cfg.BridgeToken, "bridge-token", cfg.BridgeToken, "bearer token for authenticated bridge requests")
	fs.BoolVar(&cfg.Local, "local", cfg.Local, "attach this terminal to a tab")
	fs.BoolVar(&cfg.PrintToken, "print-token", false, "print token to stdout (for local debugging)")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d: must be between 1 and 65535", cfg.Port)
	}
	if cfg.KillGrace <= 0 {
		return nil, fmt.Errorf("invalid kill grace %s: must be positive", cfg.KillGrace)
	}

	dirty := false
	if cfg.Token == "" {
		token, err := generateToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate token: %w", err)
		}
		cfg.Token = token
		dirty = true
	}
	if cfg.XCallbackEnabled && cfg.XCallbackKey == "" {
		key, err := generateToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate x-callback key: %w", err)
		}
		cfg.XCallbackKey = key
		dirty = true
	}
	if dirty {
		if err := cfg.saveToFile(); err != nil {
			return nil, fmt.Errorf("failed to save config file: %w", err)
		}
	}

	return cfg, nil
}

func (c *Config) loadFromFile() error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return err
	}
	for n, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if err := c.set(key, value); err != nil {
			return fmt.Errorf("line %d: %w", n+1, err)
		}
	}
	return nil
}

func (c *Config) set(key, value string) error {
	var err error
	switch key {
	case "Token":
		c.Token = value
	case "Port":
		c.Port, err = strconv.Atoi(value)
	case "DBPath":
		c.DBPath = value
	case "ProfilesDir":
		c.ProfilesDir = value
	case "DefaultProfile":
		c.DefaultProfile = value
	case "KillGrace":
		c.KillGrace, err = time.ParseDuration(value)
	case "XCallbackEnabled":
		c.XCallbackEnabled, err = strconv.ParseBool(value)
	case "XCallbackKey":
		c.XCallbackKey = value
	case "XCallbackPolicy":
		c.XCallbackPolicy, err = strconv.ParseBool(value)
	case "BridgeURL":
		c.BridgeURL = value
	case "BridgeToken":
		c.BridgeToken = value
	case "Local":
		c.Local, err = strconv.ParseBool(value)
	}
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return nil
}

func (c *Config) saveToFile() error {
	dir := filepath.Dir(c.ConfigPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Port=%d\n", c.Port)
	fmt.Fprintf(&b, "Token=%s\n", c.Token)
	fmt.Fprintf(&b, "DBPath=%s\n", c.DBPath)
	fmt.Fprintf(&b, "ProfilesDir=%s\n", c.ProfilesDir)
	fmt.Fprintf(&b, "DefaultProfile=%s\n", c.DefaultProfile)
	fmt.Fprintf(&b, "KillGrace=%s\n", c.KillGrace)
	fmt.Fprintf(&b, "XCallbackEnabled=%t\n", c.XCallbackEnabled)
	if c.XCallbackKey != "" {
		fmt.Fprintf(&b, "XCallbackKey=%s\n", c.XCallbackKey)
	}
	fmt.Fprintf(&b, "XCallbackPolicy=%t\n", c.XCallbackPolicy)
	if c.BridgeURL != "" {
		fmt.Fprintf(&b, "BridgeURL=%s\n", c.BridgeURL)
	}
	if c.BridgeToken != "" {
		fmt.Fprintf(&b, "BridgeToken=%s\n", c.BridgeToken)
	}
	return os.WriteFile(c.ConfigPath, []byte(b.String()), 0600)
}

func generateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
