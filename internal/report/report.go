// Package report collects what a command did, item by item, together with
// per-table row counts taken before and after it ran.
package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Status of one reported item.
type Status string

const (
	StatusCreated   Status = "created"
	StatusUpdated   Status = "updated"
	StatusSkipped   Status = "skipped"
	StatusErrored   Status = "errored"
	StatusEscalated Status = "escalated"
	StatusPlanned   Status = "planned"
)

// Item is one unit of work: a reservation, a merge pair, a split.
type Item struct {
	Kind   string `json:"kind" yaml:"kind"`
	Key    string `json:"key" yaml:"key"`
	Status Status `json:"status" yaml:"status"`
	Rows   int    `json:"rows,omitempty" yaml:"rows,omitempty"`
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Counts tallies items by outcome.
type Counts struct {
	Created   int `json:"created" yaml:"created"`
	Updated   int `json:"updated" yaml:"updated"`
	Skipped   int `json:"skipped" yaml:"skipped"`
	Errored   int `json:"errored" yaml:"errored"`
	Escalated int `json:"escalated" yaml:"escalated"`
	Planned   int `json:"planned" yaml:"planned"`
}

// Summary is the report of one command run.
type Summary struct {
	Command string         `json:"command" yaml:"command"`
	RunID   string         `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	DryRun  bool           `json:"dry_run" yaml:"dry_run"`
	Counts  Counts         `json:"counts" yaml:"counts"`
	Before  map[string]int `json:"before,omitempty" yaml:"before,omitempty"`
	After   map[string]int `json:"after,omitempty" yaml:"after,omitempty"`
	Items   []Item         `json:"items" yaml:"items"`
	// Repaired is set when a confirmed run changed data to fix a detected
	// anomaly.
	Repaired bool `json:"repaired" yaml:"repaired"`
}

// New starts a summary.
func New(command, runID string, dryRun bool) *Summary {
	return &Summary{Command: command, RunID: runID, DryRun: dryRun}
}

// Add records an item and bumps its status counter.
func (s *Summary) Add(it Item) {
	s.Items = append(s.Items, it)
	switch it.Status {
	case StatusCreated:
		s.Counts.Created++
	case StatusUpdated:
		s.Counts.Updated++
	case StatusSkipped:
		s.Counts.Skipped++
	case StatusErrored:
		s.Counts.Errored++
	case StatusEscalated:
		s.Counts.Escalated++
	case StatusPlanned:
		s.Counts.Planned++
	}
	if !s.DryRun && (it.Status == StatusCreated || it.Status == StatusUpdated) {
		s.Repaired = true
	}
}

// Tables returns the union of table names in Before and After, sorted.
func (s *Summary) Tables() []string {
	seen := map[string]bool{}
	for t := range s.Before {
		seen[t] = true
	}
	for t := range s.After {
		seen[t] = true
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Headers implements render.Tabular.
func (s *Summary) Headers() []string {
	return []string{"KIND", "KEY", "STATUS", "ROWS", "DETAIL"}
}

// Rows implements render.Tabular.
func (s *Summary) Rows() [][]string {
	rows := make([][]string, 0, len(s.Items))
	for _, it := range s.Items {
		rows = append(rows, []string{it.Kind, it.Key, string(it.Status), strconv.Itoa(it.Rows), it.Detail})
	}
	return rows
}

// Print writes the human summary: mode, counts, then before/after counts
// for every table that was measured.
func (s *Summary) Print(out io.Writer) {
	fmt.Fprintf(out, "%s", s.Command)
	if s.RunID != "" {
		fmt.Fprintf(out, " (run %s)", s.RunID)
	}
	fmt.Fprintln(out)
	if s.DryRun {
		fmt.Fprintln(out, "Mode: dry-run (re-run with --confirm to write)")
	}
	c := s.Counts
	fmt.Fprintf(out, "Items: %d created, %d updated, %d skipped, %d errored", c.Created, c.Updated, c.Skipped, c.Errored)
	if c.Escalated > 0 {
		fmt.Fprintf(out, ", %d escalated", c.Escalated)
	}
	if c.Planned > 0 {
		fmt.Fprintf(out, ", %d planned", c.Planned)
	}
	fmt.Fprintln(out)
	for _, t := range s.Tables() {
		before, after := s.Before[t], s.After[t]
		if s.After == nil {
			fmt.Fprintf(out, "  %-14s %d\n", t, before)
			continue
		}
		fmt.Fprintf(out, "  %-14s %d -> %d (%+d)\n", t, before, after, after-before)
	}
}
