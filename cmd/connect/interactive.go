package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/antonkrylov/hpcconnect/internal/catalog"
	"github.com/antonkrylov/hpcconnect/internal/errkind"
)

const maxPickAttempts = 3

var errNoTerminal = errors.New("--interactive requires a terminal on stdin")

// pickWorkload prompts on out and reads the choice from in. An empty answer
// selects def when def is in the catalog.
func pickWorkload(in io.Reader, out io.Writer, cat *catalog.Catalog, def string) (string, error) {
	if f, ok := in.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		return "", errkind.New(errkind.ErrConfig, "pick workload", errNoTerminal)
	}
	workloads := cat.Workloads()
	if len(workloads) == 0 {
		return "", errkind.Newf(errkind.ErrConfig, "pick workload", "no workloads defined")
	}
	hasDefault := false
	fmt.Fprintln(out, "Available workloads:")
	for i, w := range workloads {
		marker := " "
		if w.Name == def {
			marker, hasDefault = "*", true
		}
		line := fmt.Sprintf("%s %2d) %s", marker, i+1, w.Name)
		if w.Description != "" {
			line += "  " + w.Description
		}
		fmt.Fprintln(out, line)
	}

	r := bufio.NewReader(in)
	for attempt := 0; attempt < maxPickAttempts; attempt++ {
		if hasDefault {
			fmt.Fprintf(out, "Select workload [%s]: ", def)
		} else {
			fmt.Fprint(out, "Select workload: ")
		}
		line, err := r.ReadString('\n')
		answer := strings.TrimSpace(line)
		if err != nil && !errors.Is(err, io.EOF) {
			return "", errkind.New(errkind.ErrConfig, "pick workload", err)
		}
		if answer == "" && hasDefault {
			return def, nil
		}
		if name, ok := choose(workloads, answer); ok {
			return name, nil
		}
		if errors.Is(err, io.EOF) {
			break
		}
		fmt.Fprintf(out, "invalid choice %q\n", answer)
	}
	return "", errkind.Newf(errkind.ErrConfig, "pick workload", "no workload selected")
}

func choose(workloads []catalog.Workload, answer string) (string, bool) {
	if answer == "" {
		return "", false
	}
	if n, err := strconv.Atoi(answer); err == nil {
		if n >= 1 && n <= len(workloads) {
			return workloads[n-1].Name, true
		}
		return "", false
	}
	for _, w := range workloads {
		if w.Name == answer {
			return w.Name, true
		}
	}
	return "", false
}
