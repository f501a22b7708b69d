package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/edwinlacy/LocaldevScripts/internal/domain"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStates(w io.Writer, states []domain.WorkerState) error {
	if jsonOutput {
		return printJSON(w, states)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKER\tSTATUS\tPORT\tPORT STATE\tPIDS\tNOTE")
	for _, s := range states {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			s.ID, s.Status, s.Port, s.PortState, joinPIDs(s.PIDs), s.Reason)
	}
	return tw.Flush()
}

func sortedStates(m map[string]domain.WorkerState) []domain.WorkerState {
	out := make([]domain.WorkerState, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// printResult reports one lifecycle result and returns its error.
func printResult(w io.Writer, res domain.Result) error {
	if jsonOutput {
		if err := printJSON(w, res); err != nil {
			return err
		}
		return res.Err
	}

	for _, warn := range res.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s: %s\n", res.WorkerID, warn)
	}

	switch domain.KindOf(res.Err) {
	case domain.KindNone:
		fmt.Fprintf(w, "%s %s: ok%s\n", res.Action, res.WorkerID, pidSuffix(res.PIDs))
	case domain.KindAlreadyRunning:
		fmt.Fprintf(w, "%s: already running\n", res.WorkerID)
	case domain.KindNotRunning:
		fmt.Fprintf(w, "%s: not running\n", res.WorkerID)
	}
	return res.Err
}

func printResults(w io.Writer, results map[string]domain.Result) error {
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if jsonOutput {
		ordered := make([]domain.Result, 0, len(ids))
		for _, id := range ids {
			ordered = append(ordered, results[id])
		}
		if err := printJSON(w, ordered); err != nil {
			return err
		}
	}

	var failed []string
	for _, id := range ids {
		res := results[id]
		if !jsonOutput {
			if err := printResult(w, res); err != nil && !domain.Informational(err) {
				fmt.Fprintf(w, "%s: %v\n", id, err)
			}
		}
		if res.Err != nil && !domain.Informational(res.Err) {
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed for %s", strings.Join(failed, ", "))
	}
	return nil
}

func printReport(w io.Writer, r domain.EnvironmentReport) error {
	if jsonOutput {
		return printJSON(w, r)
	}

	fmt.Fprintf(w, "host:     %s (%s %s, kernel %s, %s)\n", r.Hostname, r.Platform, r.PlatformVer, r.Kernel, r.Arch)
	fmt.Fprintf(w, "packages: %s\n", r.PackageManager)
	fmt.Fprintf(w, "memory:   %.1f GiB\n", r.RAMTotalGB)

	if r.GPU.DriverPresent {
		fmt.Fprintf(w, "driver:   %s\n", r.GPU.DriverVersion)
	} else {
		fmt.Fprintln(w, "driver:   not found")
	}
	for _, d := range r.GPU.Devices {
		fmt.Fprintf(w, "  gpu %d: %s (%.0f / %.0f MiB, %.0f%%)\n", d.Index, d.Name, d.MemoryUsed, d.MemoryTotal, d.Utilization)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nCHECK\tNAME\tRESULT")
	for _, c := range r.Commands {
		fmt.Fprintf(tw, "command\t%s\t%s\n", c.Name, mark(c.Present, c.Path))
	}
	for _, p := range r.Packages {
		detail := strings.TrimSpace(p.Version + " " + p.Detail)
		if !p.OK {
			detail = p.Error
		}
		fmt.Fprintf(tw, "python\t%s\t%s\n", p.Name, mark(p.OK, detail))
	}
	for _, d := range r.Directories {
		fmt.Fprintf(tw, "directory\t%s\t%s\n", d.Path, mark(d.Exists, ""))
	}
	for _, p := range r.Ports {
		fmt.Fprintf(tw, "port\t%d (%s)\t%s\n", p.Port, p.WorkerID, p.State)
	}
	if r.LMStudio != nil {
		detail := r.LMStudio.Error
		if r.LMStudio.Reachable {
			detail = strings.Join(r.LMStudio.Models, ", ")
		}
		fmt.Fprintf(tw, "lm studio\t%s\t%s\n", r.LMStudio.URL, mark(r.LMStudio.Reachable, detail))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.MissingPrerequisites) == 0 {
		fmt.Fprintln(w, "\nall prerequisites present")
		return nil
	}
	fmt.Fprintln(w, "\nmissing prerequisites:")
	for _, m := range r.MissingPrerequisites {
		fmt.Fprintf(w, "  - %s\n", m)
	}
	return nil
}

func mark(ok bool, detail string) string {
	s := "missing"
	if ok {
		s = "ok"
	}
	if detail != "" {
		s += "  " + detail
	}
	return s
}

func joinPIDs(pids []int) string {
	if len(pids) == 0 {
		return "-"
	}
	parts := make([]string, len(pids))
	for i, p := range pids {
		parts[i] = fmt.Sprint(p)
	}
	return strings.Join(parts, ",")
}

func pidSuffix(pids []int) string {
	if len(pids) == 0 {
		return ""
	}
	return " (pid " + joinPIDs(pids) + ")"
}
