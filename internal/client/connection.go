// Package client resolves the effective settings of one connect invocation.
package client

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/antonkrylov/hpcconnect/internal/catalog"
	cliconfig "github.com/antonkrylov/hpcconnect/internal/cli/config"
	"github.com/antonkrylov/hpcconnect/internal/errkind"
	"github.com/antonkrylov/hpcconnect/internal/remote"
	"github.com/antonkrylov/hpcconnect/internal/scheduler"
	"github.com/antonkrylov/hpcconnect/internal/service"
	"github.com/antonkrylov/hpcconnect/internal/session"
	"github.com/antonkrylov/hpcconnect/internal/tunnel"
)

const (
	DefaultWorkload      = "default"
	DefaultDuration      = time.Hour
	DefaultRemoteWorkDir = "hpcconnect"
	DefaultScheme        = "http"
	DefaultHealthPath    = "/health"
)

// Flags are the command-line values; zero values mean "not given".
type Flags struct {
	ConfigPath  string
	ProfileName string
	LoginHost   string
	Workload    string
	Duration    string
	LocalPort   int
}

// Timing holds the resolved wait bounds.
type Timing struct {
	PollInterval    time.Duration
	JobStartTimeout time.Duration
	ServiceTimeout  time.Duration
	CallTimeout     time.Duration
	ProbeInterval   time.Duration
	ProbeAttempts   int
	TunnelGrace     time.Duration
	CleanupTimeout  time.Duration
}

// DefaultTiming returns the built-in bounds.
func DefaultTiming() Timing {
	return Timing{
		PollInterval:    scheduler.DefaultPollInterval,
		JobStartTimeout: scheduler.DefaultJobStartTimeout,
		ServiceTimeout:  service.DefaultTimeout,
		CallTimeout:     remote.DefaultCallTimeout,
		ProbeInterval:   tunnel.DefaultProbeInterval,
		ProbeAttempts:   tunnel.DefaultProbeAttempts,
		TunnelGrace:     tunnel.DefaultStartupGrace,
		CleanupTimeout:  session.DefaultCleanupTimeout,
	}
}

func (t *Timing) apply(o cliconfig.Timing) {
	set := func(dst *time.Duration, v cliconfig.Duration) {
		if !v.IsZero() {
			*dst = v.Std()
		}
	}
	set(&t.PollInterval, o.PollInterval)
	set(&t.JobStartTimeout, o.JobStartTimeout)
	set(&t.ServiceTimeout, o.ServiceTimeout)
	set(&t.CallTimeout, o.CallTimeout)
	set(&t.ProbeInterval, o.ProbeInterval)
	set(&t.TunnelGrace, o.TunnelGrace)
	set(&t.CleanupTimeout, o.CleanupTimeout)
	if o.ProbeAttempts > 0 {
		t.ProbeAttempts = o.ProbeAttempts
	}
}

// Connection is the fully resolved configuration of a session.
type Connection struct {
	ConfigPath  string
	ProfileName string
	Config      *cliconfig.Config
	Profile     *cliconfig.Profile

	LoginHost     string
	JumpHost      string
	SSHArgs       []string
	RemoteWorkDir string
	Partition     string
	Account       string
	LocalPort     int
	Scheme        string
	HealthPath    string
	StartMarker   string
	Workload      string
	Duration      time.Duration
	CatalogFile   string
	JobTemplate   string
	LogArchiveDir string
	EventsURL     string
	Timing        Timing
}

// ResolveConnection applies, per setting:
// 1) flags
// 2) config profile values
// 3) environment (HPCCONNECT_LOGIN_HOST, HPCCONNECT_LOCAL_PORT)
// 4) defaults
//
// Errors are tagged errkind.ErrConfig.
func ResolveConnection(f Flags) (*Connection, error) {
	conn := &Connection{
		ConfigPath:  f.ConfigPath,
		ProfileName: f.ProfileName,
		Timing:      DefaultTiming(),
	}
	if conn.ConfigPath == "" {
		conn.ConfigPath = cliconfig.DefaultConfigPath()
	}
	cfg, err := cliconfig.Load(conn.ConfigPath)
	if err != nil {
		return nil, errkind.New(errkind.ErrConfig, "load config", err)
	}
	conn.Config = cfg
	profile, name, err := cfg.Resolve(conn.ProfileName)
	if err != nil {
		return nil, errkind.New(errkind.ErrConfig, "resolve profile", err)
	}
	conn.Profile, conn.ProfileName = profile, name
	p := profile
	if p == nil {
		p = &cliconfig.Profile{}
	}

	conn.LoginHost = first(f.LoginHost, p.LoginHost, os.Getenv("HPCCONNECT_LOGIN_HOST"))
	conn.JumpHost = p.JumpHost
	conn.SSHArgs = append([]string(nil), p.SSHArgs...)
	// Remote paths are quoted, so a leading ~ would never expand.
	conn.RemoteWorkDir = scheduler.NormalizeWorkDir(first(p.RemoteWorkDir, DefaultRemoteWorkDir))
	conn.Partition = p.Partition
	conn.Account = p.Account
	conn.Scheme = strings.ToLower(first(p.Scheme, DefaultScheme))
	conn.HealthPath = first(p.HealthPath, DefaultHealthPath)
	conn.StartMarker = first(p.StartMarker, scheduler.DefaultStartMarker)
	conn.Workload = first(f.Workload, p.DefaultWorkload, DefaultWorkload)
	conn.EventsURL = p.EventsURL
	conn.Timing.apply(p.Timing)

	if err := conn.resolveLocalPort(f.LocalPort, p.LocalPort); err != nil {
		return nil, err
	}
	if raw := first(f.Duration, p.DefaultDuration); raw != "" {
		d, err := scheduler.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		conn.Duration = d
	} else {
		conn.Duration = DefaultDuration
	}

	dir := cliconfig.DefaultConfigDir()
	if conn.CatalogFile, err = localPath(p.CatalogFile, filepath.Join(dir, "catalog.yaml")); err != nil {
		return nil, err
	}
	if conn.JobTemplate, err = localPath(p.JobTemplate, ""); err != nil {
		return nil, err
	}
	if conn.LogArchiveDir, err = localPath(p.LogArchiveDir, filepath.Join(dir, "logs")); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Connection) resolveLocalPort(flag, profile int) error {
	port := flag
	if port == 0 {
		port = profile
	}
	if port == 0 {
		if v := strings.TrimSpace(os.Getenv("HPCCONNECT_LOCAL_PORT")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return errkind.Newf(errkind.ErrConfig, "resolve connection", "HPCCONNECT_LOCAL_PORT=%q: %w", v, err)
			}
			port = n
		}
	}
	if port == 0 {
		port = tunnel.DefaultLocalPort
	}
	if port < 1 || port > 65535 {
		return errkind.Newf(errkind.ErrConfig, "resolve connection", "local port %d out of range", port)
	}
	c.LocalPort = port
	return nil
}

// Catalog loads the catalog file with the config file's workloads merged over it.
func (c *Connection) Catalog() (*catalog.Catalog, error) {
	var overrides map[string]catalog.Workload
	if c.Config != nil {
		overrides = c.Config.Workloads
	}
	return catalog.Load(c.CatalogFile, overrides)
}

// SSH builds the Remote Control Channel for the login host. It fails when no
// login host was configured anywhere.
func (c *Connection) SSH(logger *slog.Logger) (*remote.SSH, error) {
	if c.LoginHost == "" {
		return nil, errkind.Newf(errkind.ErrConfig, "resolve connection",
			"login host is required (set loginHost in %s, --login-host or HPCCONNECT_LOGIN_HOST)", c.ConfigPath)
	}
	ssh := remote.NewSSH(c.LoginHost, logger)
	ssh.JumpHost = c.JumpHost
	ssh.Args = c.SSHArgs
	ssh.CallTimeout = c.Timing.CallTimeout
	return ssh, nil
}

func first(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func localPath(value, fallback string) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return fallback, nil
	}
	p, err := cliconfig.ExpandPath(v)
	if err != nil {
		return "", errkind.New(errkind.ErrConfig, "resolve connection", fmt.Errorf("expand %q: %w", v, err))
	}
	return p, nil
}
