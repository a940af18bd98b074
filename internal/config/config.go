package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the per-project settings file.
const FileName = "dmsdk.yml"

// DefaultMinimumDmVersion is used when no valid minimum DataMiner version is set.
const DefaultMinimumDmVersion = "10.1.0.0-9966"

// DefaultPublishKeyName names the secret holding the dataminer.services
// organization key.
const DefaultPublishKeyName = "skyline:sdk:dataminertoken"

// Config models dmsdk.yml.
type Config struct {
	Package struct {
		ID               string `yaml:"id"`
		Version          string `yaml:"version"`
		MinimumDmVersion string `yaml:"minimum_dm_version"`
	} `yaml:"package"`
	Output struct {
		BasePath      string `yaml:"base_path"`
		Configuration string `yaml:"configuration"`
	} `yaml:"output"`
	Catalog struct {
		BaseURL            string `yaml:"base_url"`
		PublishKeyName     string `yaml:"publish_key_name"`
		DownloadKeyName    string `yaml:"download_key_name"`
		VersionDescription string `yaml:"version_description"`
	} `yaml:"catalog"`
	NuGet struct {
		PackagesDir string `yaml:"packages_dir"`
	} `yaml:"nuget"`
}

var dmVersionPattern = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)\.(\d+)(?:-(\d+))?$`)

// Load reads and validates config from a project directory.
func Load(projectDir string) (*Config, error) {
	path := Path(projectDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Output.Configuration == "" {
		return fmt.Errorf("config.output.configuration is required")
	}
	if c.Output.BasePath == "" {
		return fmt.Errorf("config.output.base_path is required")
	}
	if strings.ContainsAny(c.Package.ID, `/\`) {
		return fmt.Errorf("config.package.id must not contain path separators")
	}
	if v := c.Package.MinimumDmVersion; v != "" {
		if _, ok := NormalizeDmVersion(v); !ok {
			return fmt.Errorf("config.package.minimum_dm_version %q is not a DataMiner version (a.b.c.d-build)", v)
		}
	}
	if c.Catalog.PublishKeyName == "" {
		return fmt.Errorf("config.catalog.publish_key_name is required")
	}
	return nil
}

// Path returns the config file path for a project directory.
func Path(projectDir string) string {
	if projectDir == "" {
		projectDir = "."
	}
	return filepath.Join(projectDir, FileName)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(projectDir string) (*Config, error) {
	path := Path(projectDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// MinimumDmVersion returns the configured minimum DataMiner version in strict
// form, or the default when unset or invalid.
func (c *Config) MinimumDmVersion() string {
	if v, ok := NormalizeDmVersion(c.Package.MinimumDmVersion); ok {
		return v
	}
	return DefaultMinimumDmVersion
}

// NormalizeDmVersion returns v as a.b.c.d-build; a missing build is 0.
func NormalizeDmVersion(v string) (string, bool) {
	m := dmVersionPattern.FindStringSubmatch(strings.TrimSpace(v))
	if m == nil {
		return "", false
	}
	build := m[5]
	if build == "" {
		build = "0"
	}
	return fmt.Sprintf("%s.%s.%s.%s-%s", m[1], m[2], m[3], m[4], build), true
}

// SecretEnvName is the environment variable that holds the secret called
// name: ':' becomes "__".
func SecretEnvName(name string) string {
	return strings.ReplaceAll(name, ":", "__")
}

// LookupSecret resolves a secret by name, first verbatim and then through
// its environment variable form.
func LookupSecret(name string, lookup func(string) (string, bool)) (string, bool) {
	if name == "" {
		return "", false
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, key := range []string{name, SecretEnvName(name)} {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

const defaultTemplate = `package:
  id: ""
  version: 1.0.0
  minimum_dm_version: 10.1.0.0-9966

output:
  base_path: bin
  configuration: Release

catalog:
  base_url: ""
  publish_key_name: skyline:sdk:dataminertoken
  download_key_name: ""
  version_description: ""

nuget:
  packages_dir: ""
`
