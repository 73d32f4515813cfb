package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonkrylov/hpcconnect/internal/catalog"
	"github.com/antonkrylov/hpcconnect/internal/client"
	"github.com/antonkrylov/hpcconnect/internal/errkind"
	"github.com/antonkrylov/hpcconnect/internal/remote/remotetest"
	"github.com/antonkrylov/hpcconnect/internal/report"
)

const testConfig = `
currentProfile: hpc
profiles:
  hpc:
    loginHost: alice@login.example.org
    partition: batch
    defaultWorkload: jupyter
  nohost:
    defaultWorkload: jupyter
workloads:
  jupyter:
    description: JupyterLab
    command: jupyter lab --port=$SERVICE_PORT
    gpus: 1
    memoryGB: 32
  vscode:
    description: code-server
    command: code-server --bind-addr 0.0.0.0:$SERVICE_PORT
    partition: interactive
`

func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HPCCONNECT_HOME", home)
	t.Setenv("HPCCONNECT_CONFIG", "")
	t.Setenv("HPCCONNECT_LOGIN_HOST", "")
	t.Setenv("HPCCONNECT_LOCAL_PORT", "")
	t.Setenv("HPCCONNECT_LOG_FORMAT", "")
	require.NoError(t, os.WriteFile(filepath.Join(home, "config"), []byte(testConfig), 0o600))
	return home
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, strings.NewReader(""), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestHelpExitsZero(t *testing.T) {
	setupHome(t)
	code, stdout, _ := runCLI(t, "--help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "--workload")
	assert.Contains(t, stdout, "--duration")
	assert.Contains(t, stdout, "--interactive")
	assert.Contains(t, stdout, "--list")
}

func TestUnknownOptionPrintsUsage(t *testing.T) {
	setupHome(t)
	code, _, stderr := runCLI(t, "--bogus")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Usage:")
	assert.Contains(t, stderr, "unknown flag")
}

func TestPositionalArgumentRejected(t *testing.T) {
	setupHome(t)
	code, _, stderr := runCLI(t, "jupyter")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, `unexpected argument "jupyter"`)
}

func TestListPrintsCatalog(t *testing.T) {
	setupHome(t)
	code, stdout, _ := runCLI(t, "--list")
	require.Equal(t, 0, code)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "NAME"))
	assert.Contains(t, lines[1], "jupyter")
	assert.Contains(t, lines[1], "32G")
	assert.Contains(t, lines[2], "vscode")
	assert.Contains(t, lines[2], "interactive")
}

func TestListWorksWithoutLoginHost(t *testing.T) {
	setupHome(t)
	code, stdout, _ := runCLI(t, "--list", "--profile", "nohost")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "vscode")
}

func TestConfigErrorsExitTwo(t *testing.T) {
	setupHome(t)
	cases := map[string][]string{
		"unknown workload": {"--workload", "nope"},
		"bad duration":     {"--duration", "1h"},
		"no login host":    {"--profile", "nohost"},
		"missing profile":  {"--profile", "absent"},
		"bad local port":   {"--local-port", "70000"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			code, _, stderr := runCLI(t, args...)
			assert.Equal(t, 2, code)
			assert.Contains(t, stderr, "connect:")
		})
	}
}

func TestPickWorkload(t *testing.T) {
	cat := catalog.New(
		catalog.Workload{Name: "jupyter", Command: "jupyter lab", Description: "JupyterLab"},
		catalog.Workload{Name: "vscode", Command: "code-server"},
	)
	pick := func(input, def string) (string, string, error) {
		var out bytes.Buffer
		name, err := pickWorkload(strings.NewReader(input), &out, cat, def)
		return name, out.String(), err
	}

	name, out, err := pick("\n", "jupyter")
	require.NoError(t, err)
	assert.Equal(t, "jupyter", name)
	assert.Contains(t, out, "*  1) jupyter  JupyterLab")
	assert.Contains(t, out, "[jupyter]")

	name, _, err = pick("2\n", "jupyter")
	require.NoError(t, err)
	assert.Equal(t, "vscode", name)

	name, _, err = pick("vscode", "")
	require.NoError(t, err)
	assert.Equal(t, "vscode", name)

	name, out, err = pick("7\njupyter\n", "")
	require.NoError(t, err)
	assert.Equal(t, "jupyter", name)
	assert.Contains(t, out, `invalid choice "7"`)

	_, _, err = pick("", "default")
	assert.ErrorIs(t, err, errkind.ErrConfig)

	_, _, err = pick("x\ny\nz\njupyter\n", "")
	assert.ErrorIs(t, err, errkind.ErrConfig)
}

func TestPickWorkloadEmptyCatalog(t *testing.T) {
	_, err := pickWorkload(strings.NewReader("1\n"), &bytes.Buffer{}, catalog.New(), "")
	assert.ErrorIs(t, err, errkind.ErrConfig)
}

func TestBuildOrchestratorWiresSettings(t *testing.T) {
	home := setupHome(t)
	conn, err := client.ResolveConnection(client.Flags{Duration: "00:45:00", LocalPort: 9123})
	require.NoError(t, err)
	cat, err := conn.Catalog()
	require.NoError(t, err)
	w, err := cat.Lookup("vscode")
	require.NoError(t, err)

	fake := remotetest.New()
	orch, err := buildOrchestrator(conn, w, fake, fake, report.Discard, nil)
	require.NoError(t, err)

	assert.Equal(t, "vscode", orch.Session.WorkloadName)
	assert.Equal(t, 45*time.Minute, orch.Session.RequestedDuration)
	assert.Equal(t, 9123, orch.Session.LocalPort)
	assert.Equal(t, "interactive", orch.Request.Partition)
	assert.Equal(t, "interactive", orch.Poller.Partition)
	assert.Equal(t, "code-server --bind-addr 0.0.0.0:$SERVICE_PORT", orch.Request.Command)
	assert.Equal(t, 9123, orch.Tunnels.LocalPort)
	assert.Equal(t, client.DefaultTiming().ProbeAttempts, orch.Tunnels.ProbeAttempts)
	assert.Equal(t, filepath.Join(home, "logs"), orch.Logs.ArchiveDir)
	assert.Equal(t, filepath.Join(home, "sessions"), orch.SummaryDir)

	script, err := orch.Submitter.Script(orch.Request)
	require.NoError(t, err)
	assert.Contains(t, string(script), "#SBATCH --time=00:45:00")
	assert.Contains(t, string(script), "#SBATCH --partition=interactive")
}

func TestNewLoggerJSON(t *testing.T) {
	t.Setenv("HPCCONNECT_LOG_FORMAT", "json")
	var buf bytes.Buffer
	logger := newLogger("info", &buf)
	logger.Debug("hidden")
	logger.Info("job submitted", "job", "42")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "job submitted", rec["msg"])
	assert.Equal(t, "42", rec["job"])
}

func TestNewLoggerUnknownLevelDefaultsToWarn(t *testing.T) {
	t.Setenv("HPCCONNECT_LOG_FORMAT", "")
	var buf bytes.Buffer
	logger := newLogger("loud", &buf)
	assert.Contains(t, buf.String(), "unknown --log-level")
	buf.Reset()
	logger.Info("quiet")
	assert.Empty(t, buf.String())
	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}
