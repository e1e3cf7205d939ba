package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?error} and $VAR.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Load reads the config file at path (or the first standard location when
// path is empty), expands environment references and applies env overrides.
// A missing file yields the defaults plus env overrides.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	if path == "" {
		path = FindConfigFile()
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		expanded, err := expandEnvVars(string(data))
		if err != nil {
			return nil, err
		}
		if cfg, err = Parse([]byte(expanded)); err != nil {
			return nil, err
		}
		resolveRelativePaths(cfg, path)
		checkFilePermissions(path)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}
	return cfg, nil
}

// Parse overlays YAML on the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML with owner-only permissions. The bot token is
// replaced by an environment reference so it never lands on disk.
func Save(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.Bridge.Token = "${INLINE_TOKEN:-}"
	if sanitized.Agent.Token != "" {
		sanitized.Agent.Token = "${INLINECLAW_AGENT_TOKEN:-}"
	}

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}
	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile returns the first existing standard config path, or "".
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"inlineclaw.yaml",
		"inlineclaw.yml",
		"configs/inlineclaw.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadEnvFiles loads .env files without overwriting existing variables.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars substitutes environment references. An unset ${VAR:?msg}
// is an error; an unset reference without a modifier is left as is.
func expandEnvVars(input string) (string, error) {
	var missing error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if missing == nil {
				if value == "" {
					value = "required environment variable not set"
				}
				missing = fmt.Errorf("config error: %s - %s", name, value)
			}
			return ""
		}
		return match
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

// resolveRelativePaths anchors file paths at the config file's directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	if dir == "." {
		return
	}
	if p := cfg.Database.Path; p != "" && !filepath.IsAbs(p) && p != ":memory:" {
		cfg.Database.Path = filepath.Join(dir, p)
	}
	for i, root := range cfg.Inline.MediaLocalRoots {
		if root != "" && !filepath.IsAbs(root) && !strings.HasPrefix(root, "~") {
			cfg.Inline.MediaLocalRoots[i] = filepath.Join(dir, root)
		}
	}
}

func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
