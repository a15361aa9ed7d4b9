package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"golang.org/x/term"

	"github.com/onkernel/hypestack/lib/images"
	"github.com/onkernel/hypestack/lib/instances"
	"github.com/onkernel/hypestack/lib/orchestrator"
)

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// newTable sizes columns to the terminal when there is one.
func newTable(w io.Writer) *uitable.Table {
	table := uitable.New()
	table.MaxColWidth = 60
	if f, ok := w.(*os.File); ok {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 40 {
			table.MaxColWidth = uint(width / 3)
		}
	}
	return table
}

func printReport(w io.Writer, r *orchestrator.Report) {
	table := newTable(w)
	table.AddRow("SERVICE", "STATE", "IMAGE")
	for _, o := range r.Outcomes {
		table.AddRow(o.Service, o.State, orDash(o.Image))
	}
	fmt.Fprintln(w, table)
}

func printInstances(w io.Writer, list []instances.Instance) {
	table := newTable(w)
	table.AddRow("SERVICE", "CONTAINER", "IMAGE", "STATE", "ADDRESS", "PORTS", "STARTED")
	for _, inst := range list {
		ports := make([]string, 0, len(inst.Ports))
		for _, p := range inst.Ports {
			ports = append(ports, p.String())
		}
		started := "-"
		if !inst.StartedAt.IsZero() {
			started = humanize.Time(inst.StartedAt)
		}
		state := string(inst.State)
		if inst.State == instances.StateFailed || inst.State == instances.StateStopped {
			state = fmt.Sprintf("%s (%d)", inst.State, inst.ExitCode)
		}
		table.AddRow(inst.Service, orDash(inst.ContainerName), orDash(inst.Image), state,
			orDash(inst.Address), orDash(strings.Join(ports, ",")), started)
	}
	fmt.Fprintln(w, table)
}

func printImages(w io.Writer, list []*images.Image) {
	table := newTable(w)
	table.AddRow("SERVICE", "IMAGE", "FINGERPRINT", "SOURCE", "CREATED")
	for _, img := range list {
		source := "build"
		if img.Pulled {
			source = "pull"
		}
		created := "-"
		if !img.BuiltAt.IsZero() {
			created = humanize.Time(img.BuiltAt)
		}
		table.AddRow(img.Service, img.Ref, orDash(shortFingerprint(img.Fingerprint)), source, created)
	}
	fmt.Fprintln(w, table)
}

func printBuildResults(w io.Writer, results []images.Result) {
	table := newTable(w)
	table.AddRow("SERVICE", "IMAGE", "RESULT")
	for _, r := range results {
		switch {
		case r.Err != nil:
			table.AddRow(r.Service, "-", "failed")
		case r.Image.Cached:
			table.AddRow(r.Service, r.Image.Ref, "up to date")
		case r.Image.Pulled:
			table.AddRow(r.Service, r.Image.Ref, "pulled")
		default:
			table.AddRow(r.Service, r.Image.Ref, "built")
		}
	}
	fmt.Fprintln(w, table)
}

// printLogs writes lines prefixed with their service until the stream ends.
func printLogs(w io.Writer, lines <-chan orchestrator.LogLine, color bool) {
	colors := map[string]int{}
	for l := range lines {
		prefix := l.Service
		if color {
			c, ok := colors[l.Service]
			if !ok {
				c = 31 + len(colors)%6
				colors[l.Service] = c
			}
			prefix = fmt.Sprintf("\x1b[%dm%s\x1b[0m", c, l.Service)
		}
		fmt.Fprintf(w, "%s | %s\n", prefix, l.Line)
	}
}

// failureTailLines is how much build or container output is echoed with a
// failure.
const failureTailLines = 10

// printFailure writes err for service, followed by the output that explains
// it when there is some.
func printFailure(w io.Writer, service string, err error) {
	fmt.Fprintf(w, "%s: %v\n", service, err)

	var tail string
	var be *images.BuildError
	var se *instances.StartError
	switch {
	case errors.As(err, &be):
		tail = be.Tail(failureTailLines)
	case errors.As(err, &se):
		tail = se.LogTail()
	}
	for _, line := range strings.Split(tail, "\n") {
		if line != "" {
			fmt.Fprintf(w, "  %s | %s\n", service, line)
		}
	}
}

func shortFingerprint(fp string) string {
	fp = strings.TrimPrefix(fp, "sha256:")
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
