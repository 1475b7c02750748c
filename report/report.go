// Package report renders the outcome of a simulation run as markdown.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/user/blemesh/item"
)

// Node describes one simulated node at the end of a run.
type Node struct {
	Name     string
	SourceID uint64
	Holds    []item.Key
	Received int
	Degraded int
}

// Snapshot is everything a report is built from.
type Snapshot struct {
	Title    string
	Started  time.Time
	Duration time.Duration
	Nodes    []Node
	Items    []item.Key // every item that should reach every node
}

// ItemMatrix tracks which nodes hold which items
type ItemMatrix map[item.Key]map[string]bool // item -> node name -> held

// Issue is a problem found in a run.
type Issue struct {
	Severity    string // "ERROR" or "WARNING"
	Node        string
	Item        item.Key
	Description string
}

// BuildMatrix marks every expected item against every node.
func BuildMatrix(s Snapshot) ItemMatrix {
	matrix := make(ItemMatrix, len(s.Items))
	for _, key := range s.Items {
		matrix[key] = make(map[string]bool, len(s.Nodes))
	}
	for _, n := range s.Nodes {
		for _, key := range n.Holds {
			if row, ok := matrix[key]; ok {
				row[n.Name] = true
			}
		}
	}
	return matrix
}

// DetectIssues lists missing items and degraded links.
func DetectIssues(s Snapshot, matrix ItemMatrix) []Issue {
	var issues []Issue
	for _, n := range s.Nodes {
		for _, key := range s.Items {
			if matrix[key][n.Name] {
				continue
			}
			issues = append(issues, Issue{
				Severity:    "ERROR",
				Node:        n.Name,
				Item:        key,
				Description: fmt.Sprintf("%s missing item %s", n.Name, key),
			})
		}
		if n.Degraded > 0 {
			issues = append(issues, Issue{
				Severity:    "WARNING",
				Node:        n.Name,
				Description: fmt.Sprintf("%s gave up on %d links", n.Name, n.Degraded),
			})
		}
	}
	return issues
}

// Generate renders the markdown report.
func Generate(s Snapshot) string {
	matrix := BuildMatrix(s)
	issues := DetectIssues(s, matrix)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# Test Report: %s\n\n", s.Title))
	if !s.Started.IsZero() {
		sb.WriteString(fmt.Sprintf("Started %s, ran for %s.\n\n", s.Started.Format("2006-01-02 15:04:05"), s.Duration.Round(time.Millisecond)))
	}

	sb.WriteString("## Nodes\n\n")
	for _, n := range s.Nodes {
		sb.WriteString(fmt.Sprintf("- **%s** (source %016x) - holds %d/%d items, received %d",
			n.Name, n.SourceID, countHeld(matrix, n.Name), len(s.Items), n.Received))
		if n.Degraded > 0 {
			sb.WriteString(fmt.Sprintf(", %d degraded links", n.Degraded))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	sb.WriteString("## Item Matrix\n\n")
	if len(s.Items) == 0 {
		sb.WriteString("No items published.\n\n")
	} else {
		sb.WriteString("| Item |")
		for _, n := range s.Nodes {
			sb.WriteString(fmt.Sprintf(" %s |", n.Name))
		}
		sb.WriteString("\n|------|")
		for range s.Nodes {
			sb.WriteString("---|")
		}
		sb.WriteString("\n")
		for _, key := range sortedKeys(s.Items) {
			sb.WriteString(fmt.Sprintf("| %s |", key))
			for _, n := range s.Nodes {
				if matrix[key][n.Name] {
					sb.WriteString(" ✅ |")
				} else {
					sb.WriteString(" ❌ |")
				}
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Issues\n\n")
	if len(issues) == 0 {
		sb.WriteString("✅ All items delivered to all nodes\n")
		return sb.String()
	}
	for _, issue := range issues {
		sb.WriteString(fmt.Sprintf("- [%s] %s\n", issue.Severity, issue.Description))
	}
	return sb.String()
}

// Write stores the report as test_report_<timestamp>.md in dir and returns
// its path.
func Write(dir string, s Snapshot) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("error creating report dir: %w", err)
	}
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	if !s.Started.IsZero() {
		timestamp = s.Started.Format("2006-01-02_15-04-05")
	}
	path := filepath.Join(dir, fmt.Sprintf("test_report_%s.md", timestamp))
	if err := os.WriteFile(path, []byte(Generate(s)), 0644); err != nil {
		return "", fmt.Errorf("error writing report: %w", err)
	}
	return path, nil
}

func countHeld(matrix ItemMatrix, node string) int {
	n := 0
	for _, row := range matrix {
		if row[node] {
			n++
		}
	}
	return n
}

func sortedKeys(keys []item.Key) []item.Key {
	out := append([]item.Key(nil), keys...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		return out[i].Index < out[j].Index
	})
	return out
}
