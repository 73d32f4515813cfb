package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/antonkrylov/hpcconnect/internal/catalog"
)

// Config models a kubeconfig-style file with named cluster profiles and
// locally defined workloads.
type Config struct {
	CurrentProfile string                      `yaml:"currentProfile"`
	Profiles       map[string]*Profile         `yaml:"profiles"`
	Workloads      map[string]catalog.Workload `yaml:"workloads,omitempty"`
}

// Profile holds the connection and scheduling defaults for one cluster.
type Profile struct {
	LoginHost       string   `yaml:"loginHost"`
	JumpHost        string   `yaml:"jumpHost,omitempty"`
	SSHArgs         []string `yaml:"sshArgs,omitempty"`
	RemoteWorkDir   string   `yaml:"remoteWorkDir,omitempty"`
	Partition       string   `yaml:"partition,omitempty"`
	Account         string   `yaml:"account,omitempty"`
	LocalPort       int      `yaml:"localPort,omitempty"`
	HealthPath      string   `yaml:"healthPath,omitempty"`
	Scheme          string   `yaml:"scheme,omitempty"`
	DefaultWorkload string   `yaml:"defaultWorkload,omitempty"`
	DefaultDuration string   `yaml:"defaultDuration,omitempty"`
	StartMarker     string   `yaml:"startMarker,omitempty"`
	CatalogFile     string   `yaml:"catalogFile,omitempty"`
	JobTemplate     string   `yaml:"jobTemplate,omitempty"`
	LogArchiveDir   string   `yaml:"logArchiveDir,omitempty"`
	EventsURL       string   `yaml:"eventsURL,omitempty"`
	Timing          Timing   `yaml:"timing,omitempty"`
}

// Timing overrides the wait bounds of a session. Zero values keep defaults.
type Timing struct {
	PollInterval    Duration `yaml:"pollInterval,omitempty"`
	JobStartTimeout Duration `yaml:"jobStartTimeout,omitempty"`
	ServiceTimeout  Duration `yaml:"serviceTimeout,omitempty"`
	CallTimeout     Duration `yaml:"callTimeout,omitempty"`
	ProbeInterval   Duration `yaml:"probeInterval,omitempty"`
	ProbeAttempts   int      `yaml:"probeAttempts,omitempty"`
	TunnelGrace     Duration `yaml:"tunnelGrace,omitempty"`
	CleanupTimeout  Duration `yaml:"cleanupTimeout,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("90s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if strings.TrimSpace(s) == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	if v < 0 {
		return fmt.Errorf("line %d: negative duration %q", node.Line, s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) IsZero() bool { return d == 0 }

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ErrProfileNotFound indicates the requested profile is missing.
var ErrProfileNotFound = errors.New("profile not found")

// Load decodes the config file. Missing files return (nil, nil).
func Load(path string) (*Config, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	expanded, err := ExpandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", expanded, err)
	}
	return &cfg, nil
}

// Save writes the config to disk, creating parent directories if needed.
func (c *Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o700); err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o600)
}

// Resolve picks a profile either by explicit name or the currentProfile value.
// With neither set it returns (nil, "", nil).
func (c *Config) Resolve(name string) (*Profile, string, error) {
	profileName := strings.TrimSpace(name)
	if c == nil {
		if profileName != "" {
			return nil, profileName, fmt.Errorf("%w: %s (no config file)", ErrProfileNotFound, profileName)
		}
		return nil, "", nil
	}
	if profileName == "" {
		profileName = c.CurrentProfile
	}
	if profileName == "" {
		return nil, "", nil
	}
	p, ok := c.Profiles[profileName]
	if !ok || p == nil {
		return nil, profileName, fmt.Errorf("%w: %s", ErrProfileNotFound, profileName)
	}
	return p, profileName, nil
}

// ExpandPath resolves "~" and relative paths to absolute ones.
func ExpandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case path == "~":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return home, nil
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}
