package scheduler

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"text/template"

	"github.com/antonkrylov/hpcconnect/internal/errkind"
	"github.com/antonkrylov/hpcconnect/internal/remote"
)

//go:embed job.sbatch.tmpl
var defaultJobTemplate string

// DefaultStartMarker separates site setup noise from workload output.
const DefaultStartMarker = "=== HPCCONNECT WORKLOAD START ==="

// TemplateParams feed the batch script template. Paths are relative to the
// remote work dir, which is the submit directory.
type TemplateParams struct {
	JobName      string
	Duration     string
	Partition    string
	Account      string
	GPUs         int
	CPUs         int
	MemoryGB     int
	WorkloadPath string
	Command      string
	WorkDir      string
	OutputPath   string
	ErrorPath    string
	AddressFile  string
	StartMarker  string
	Env          map[string]string
}

var envNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Template renders batch scripts.
type Template struct {
	name string
	t    *template.Template
}

func parseTemplate(name, text string) (*Template, error) {
	t, err := template.New(name).
		Option("missingkey=error").
		Funcs(template.FuncMap{"quote": remote.Quote}).
		Parse(text)
	if err != nil {
		return nil, errkind.Newf(errkind.ErrConfig, "parse job template", "%s: %w", name, err)
	}
	return &Template{name: name, t: t}, nil
}

// DefaultTemplate returns the built-in batch script.
func DefaultTemplate() *Template {
	t, err := parseTemplate("job.sbatch.tmpl", defaultJobTemplate)
	if err != nil {
		panic(err)
	}
	return t
}

// LoadTemplate reads a site-specific template. An empty path yields the
// built-in one.
func LoadTemplate(path string) (*Template, error) {
	if path == "" {
		return DefaultTemplate(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.New(errkind.ErrConfig, "read job template", err)
	}
	return parseTemplate(path, string(data))
}

// Render executes the template.
func (t *Template) Render(p TemplateParams) ([]byte, error) {
	for k := range p.Env {
		if !envNameRe.MatchString(k) {
			return nil, errkind.Newf(errkind.ErrConfig, "render job script", "invalid environment variable name %q", k)
		}
	}
	var buf bytes.Buffer
	if err := t.t.Execute(&buf, p); err != nil {
		return nil, fmt.Errorf("render %s: %w", t.name, err)
	}
	return buf.Bytes(), nil
}
