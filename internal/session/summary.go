package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Summary describes a connected session for the operator. It is written once
// and never read back.
type Summary struct {
	SessionID     string    `json:"sessionId"`
	JobID         string    `json:"jobId"`
	Workload      string    `json:"workload"`
	Node          string    `json:"node"`
	RemotePort    int       `json:"remotePort"`
	LocalPort     int       `json:"localPort"`
	RemoteWorkDir string    `json:"remoteWorkDir"`
	URL           string    `json:"url"`
	LogArchive    string    `json:"logArchive,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	ConnectedAt   time.Time `json:"connectedAt"`
}

// SummaryPath is where the summary of jobID is written under dir.
func SummaryPath(dir, jobID string) string {
	return filepath.Join(dir, jobID+".json")
}

// WriteSummary writes sum as indented JSON readable only by the owner.
func WriteSummary(dir string, sum Summary) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create sessions dir: %w", err)
	}
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return "", err
	}
	path := SummaryPath(dir, sum.JobID)
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return "", fmt.Errorf("write session summary: %w", err)
	}
	return path, nil
}
