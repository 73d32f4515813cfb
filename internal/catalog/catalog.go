// Package catalog lists the workloads an operator may launch.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/antonkrylov/hpcconnect/internal/errkind"
)

// ErrUnknownWorkload is returned by Lookup for names not in the catalog.
var ErrUnknownWorkload = errors.New("unknown workload")

// Workload is a launchable remote service.
type Workload struct {
	Name        string            `yaml:"name,omitempty"`
	Description string            `yaml:"description,omitempty"`
	Path        string            `yaml:"path,omitempty"`
	Command     string            `yaml:"command"`
	GPUs        int               `yaml:"gpus,omitempty"`
	CPUs        int               `yaml:"cpus,omitempty"`
	MemoryGB    int               `yaml:"memoryGB,omitempty"`
	Partition   string            `yaml:"partition,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
}

type file struct {
	Workloads map[string]Workload `yaml:"workloads"`
}

// Catalog is an immutable set of workloads keyed by name.
type Catalog struct {
	workloads map[string]Workload
}

// Load reads catalogFile (optional; "" or a missing file means empty) and
// merges overrides over it. An override replaces the whole entry.
func Load(catalogFile string, overrides map[string]Workload) (*Catalog, error) {
	c := &Catalog{workloads: map[string]Workload{}}
	if catalogFile != "" {
		data, err := os.ReadFile(catalogFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, errkind.New(errkind.ErrConfig, "read catalog", err)
		default:
			var f file
			if err := yaml.Unmarshal(data, &f); err != nil {
				return nil, errkind.Newf(errkind.ErrConfig, "parse catalog", "%s: %w", catalogFile, err)
			}
			for name, w := range f.Workloads {
				c.add(name, w)
			}
		}
	}
	for name, w := range overrides {
		c.add(name, w)
	}
	for name, w := range c.workloads {
		if strings.TrimSpace(w.Command) == "" {
			return nil, errkind.Newf(errkind.ErrConfig, "load catalog", "workload %q has no command", name)
		}
	}
	return c, nil
}

// New builds a catalog from workloads, for callers that assemble one in code.
func New(workloads ...Workload) *Catalog {
	c := &Catalog{workloads: map[string]Workload{}}
	for _, w := range workloads {
		c.add(w.Name, w)
	}
	return c
}

func (c *Catalog) add(name string, w Workload) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.Name = name
	c.workloads[name] = w
}

// Lookup returns the named workload.
func (c *Catalog) Lookup(name string) (Workload, error) {
	if c != nil {
		if w, ok := c.workloads[strings.TrimSpace(name)]; ok {
			return w, nil
		}
	}
	return Workload{}, errkind.New(errkind.ErrConfig, "lookup workload", fmt.Errorf("%w %q (see --list)", ErrUnknownWorkload, name))
}

// Names returns workload names in sorted order.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.workloads))
	for n := range c.workloads {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Workloads returns every workload sorted by name.
func (c *Catalog) Workloads() []Workload {
	out := make([]Workload, 0, len(c.Names()))
	for _, n := range c.Names() {
		out = append(out, c.workloads[n])
	}
	return out
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.workloads)
}
