package report

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/user/blemesh/item"
)

func snapshot() Snapshot {
	a := item.Key{SourceID: 1, Index: 0}
	b := item.Key{SourceID: 2, Index: 0}
	return Snapshot{
		Title:    "line, 2 nodes",
		Started:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Duration: 1500 * time.Millisecond,
		Items:    []item.Key{b, a},
		Nodes: []Node{
			{Name: "node-1", SourceID: 1, Holds: []item.Key{a, b}, Received: 1},
			{Name: "node-2", SourceID: 2, Holds: []item.Key{b, {SourceID: 9}}, Degraded: 1},
		},
	}
}

func TestDetectIssues(t *testing.T) {
	s := snapshot()
	issues := DetectIssues(s, BuildMatrix(s))
	want := []Issue{
		{Severity: "ERROR", Node: "node-2", Item: item.Key{SourceID: 1, Index: 0}, Description: "node-2 missing item 0000000000000001/0"},
		{Severity: "WARNING", Node: "node-2", Description: "node-2 gave up on 1 links"},
	}
	if diff := cmp.Diff(want, issues); diff != "" {
		t.Errorf("Issues mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerate(t *testing.T) {
	out := Generate(snapshot())
	for _, want := range []string{
		"# Test Report: line, 2 nodes",
		"ran for 1.5s",
		"- **node-1** (source 0000000000000001) - holds 2/2 items, received 1",
		"| Item | node-1 | node-2 |",
		"| 0000000000000001/0 | ✅ | ❌ |",
		"| 0000000000000002/0 | ✅ | ✅ |",
		"- [ERROR] node-2 missing item 0000000000000001/0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Report lacks %q:\n%s", want, out)
		}
	}
	// rows are ordered by source
	if strings.Index(out, "| 0000000000000001/0") > strings.Index(out, "| 0000000000000002/0") {
		t.Errorf("Expected item rows sorted")
	}
}

func TestGenerateClean(t *testing.T) {
	s := Snapshot{
		Title: "single",
		Items: []item.Key{{SourceID: 1}},
		Nodes: []Node{{Name: "node-1", SourceID: 1, Holds: []item.Key{{SourceID: 1}}}},
	}
	if out := Generate(s); !strings.Contains(out, "✅ All items delivered to all nodes") {
		t.Errorf("Expected clean report:\n%s", out)
	}
	if out := Generate(Snapshot{Title: "empty"}); !strings.Contains(out, "No items published.") {
		t.Errorf("Expected empty matrix note:\n%s", out)
	}
}

func TestWrite(t *testing.T) {
	dir := t.TempDir()
	path, err := Write(dir, snapshot())
	if err != nil {
		t.Fatalf("Failed to write report: %v", err)
	}
	if !strings.HasSuffix(path, "test_report_2024-03-01_12-00-00.md") {
		t.Errorf("Unexpected report path %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read report: %v", err)
	}
	if string(data) != Generate(snapshot()) {
		t.Errorf("Written report differs from generated one")
	}
}
