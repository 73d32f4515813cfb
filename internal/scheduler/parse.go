package scheduler

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/antonkrylov/hpcconnect/internal/errkind"
	"github.com/antonkrylov/hpcconnect/internal/remote"
)

// JobState is a scheduler job state as printed by `squeue -o %T`.
type JobState string

const (
	StateUnknown     JobState = ""
	StatePending     JobState = "PENDING"
	StateConfiguring JobState = "CONFIGURING"
	StateRunning     JobState = "RUNNING"
	StateCompleting  JobState = "COMPLETING"
	StateCompleted   JobState = "COMPLETED"
	StateFailed      JobState = "FAILED"
	StateCancelled   JobState = "CANCELLED"
	StateTimeout     JobState = "TIMEOUT"
	StateNodeFail    JobState = "NODE_FAIL"
	StatePreempted   JobState = "PREEMPTED"
	StateOOM         JobState = "OUT_OF_MEMORY"
	StateBootFail    JobState = "BOOT_FAIL"
	StateDeadline    JobState = "DEADLINE"
)

var terminalStates = map[JobState]bool{
	StateCompleted: true,
	StateFailed:    true,
	StateCancelled: true,
	StateTimeout:   true,
	StateNodeFail:  true,
	StatePreempted: true,
	StateOOM:       true,
	StateBootFail:  true,
	StateDeadline:  true,
}

// IsTerminal reports whether the job can no longer reach RUNNING.
func (s JobState) IsTerminal() bool {
	return terminalStates[s]
}

func (s JobState) String() string {
	if s == StateUnknown {
		return "UNKNOWN"
	}
	return string(s)
}

// Status is one row of `squeue -o '%T|%N|%P'`.
type Status struct {
	State     JobState
	Node      string
	Partition string
}

var (
	submittedRe = regexp.MustCompile(`Submitted batch job (\d+)`)
	parsableRe  = regexp.MustCompile(`^(\d+)(;\S+)?$`)
	jobIDRe     = regexp.MustCompile(`^\d+(_\d+)?$`)
)

// ParseJobID extracts the job id from sbatch output, accepting both the
// default acknowledgement and --parsable output.
func ParseJobID(out string) (string, error) {
	if m := submittedRe.FindStringSubmatch(out); m != nil {
		return m[1], nil
	}
	for _, line := range strings.Split(out, "\n") {
		if m := parsableRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			return m[1], nil
		}
	}
	return "", errkind.Newf(errkind.ErrParse, "parse sbatch output", "no job id in %q", strings.TrimSpace(out))
}

// ParseStatus parses the first non-empty line of a status query.
func ParseStatus(out string) (Status, error) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) != 3 {
			return Status{}, errkind.Newf(errkind.ErrParse, "parse squeue output", "unexpected line %q", line)
		}
		state := strings.ToUpper(strings.TrimSpace(fields[0]))
		// "CANCELLED by 1234" in some versions.
		if i := strings.IndexByte(state, ' '); i > 0 {
			state = state[:i]
		}
		node := strings.TrimSpace(fields[1])
		if node == "(null)" {
			node = ""
		}
		return Status{State: JobState(state), Node: node, Partition: strings.TrimSpace(fields[2])}, nil
	}
	return Status{}, errkind.Newf(errkind.ErrParse, "parse squeue output", "empty output")
}

type queued struct {
	priority int64
	id       string
}

// QueuePosition ranks jobID among the pending jobs listed by QueueCommand:
// higher priority first, then lower job id. pos is 1-based.
func QueuePosition(out, jobID string) (pos, total int, ok bool) {
	var jobs []queued
	for _, line := range strings.Split(out, "\n") {
		prio, id, found := strings.Cut(strings.TrimSpace(line), "|")
		if !found {
			continue
		}
		p, err := strconv.ParseInt(strings.TrimSpace(prio), 10, 64)
		if err != nil {
			continue
		}
		jobs = append(jobs, queued{priority: p, id: strings.TrimSpace(id)})
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].priority != jobs[j].priority {
			return jobs[i].priority > jobs[j].priority
		}
		return lessJobID(jobs[i].id, jobs[j].id)
	})
	for i, j := range jobs {
		if j.id == jobID {
			return i + 1, len(jobs), true
		}
	}
	return 0, len(jobs), false
}

func lessJobID(a, b string) bool {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}

// IsJobGone reports whether a failed query says the job is unknown.
func IsJobGone(res *remote.Result) bool {
	if res == nil {
		return false
	}
	text := strings.ToLower(res.Stderr + res.Stdout)
	return strings.Contains(text, "invalid job id")
}

// ValidJobID reports whether id looks like a scheduler job id.
func ValidJobID(id string) bool {
	return jobIDRe.MatchString(id)
}

func StatusCommand(jobID string) string {
	return fmt.Sprintf("squeue -h -j %s -o '%%T|%%N|%%P'", jobID)
}

func QueueCommand(partition string) string {
	cmd := "squeue -h -t PENDING -o '%Q|%i'"
	if partition != "" {
		cmd += " -p " + remote.Quote(partition)
	}
	return cmd
}

func CancelCommand(jobID string) string {
	return "scancel " + jobID
}

// JobFiles are the remote paths a job writes, relative to the remote home
// unless the work dir is absolute.
type JobFiles struct {
	JobID   string
	Output  string
	Error   string
	Address string
}

// FilesFor returns the files of jobID under workDir.
func FilesFor(workDir, jobID string) JobFiles {
	return JobFiles{
		JobID:   jobID,
		Output:  path.Join(workDir, "logs", "job-"+jobID+".out"),
		Error:   path.Join(workDir, "logs", "job-"+jobID+".err"),
		Address: path.Join(workDir, "run", "service-"+jobID+".addr"),
	}
}

// NormalizeWorkDir turns a home-relative dir ("~/x") into the relative form
// remote shells resolve against $HOME.
func NormalizeWorkDir(dir string) string {
	dir = strings.TrimSpace(dir)
	switch {
	case dir == "~" || dir == "~/":
		return "."
	case strings.HasPrefix(dir, "~/"):
		dir = strings.TrimPrefix(dir, "~/")
	}
	return path.Clean(dir)
}
