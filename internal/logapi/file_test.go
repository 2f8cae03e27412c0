package logapi

import (
	"testing"
)

const sampleLog = `2026/03/01 10:00:01 🚀 Starting monitor
2026/03/01 10:00:05 📌 Dispatched 12 tasks (high=6 normal=4 low=2 pending=0)
2026/03/01 10:01:12 🚨 Product prod-1: Test Headphones price dropped 20.0% to 79.99 EUR
not a timestamped line
2026/03/01 10:02:40 ❌ Task task-9 failed (fatal): no extractor registered for retailer
`

func TestParseLine(t *testing.T) {
	// Test case 1: an error line surfaces its level and task id
	entry := ParseLine("2026/03/01 10:02:40 ❌ Task task-9 failed (fatal): no extractor registered for retailer")
	if entry.Level != "error" {
		t.Errorf("expected level error, got %q", entry.Level)
	}
	if entry.TaskID != "task-9" {
		t.Errorf("expected task id task-9, got %q", entry.TaskID)
	}
	if entry.TS == "" {
		t.Error("timestamped line should carry a TS")
	}

	// Test case 2: product and alert ids are picked out of the text
	entry = ParseLine("2026/03/01 10:01:12 🚨 Product prod-1: price dropped, Alert a1b2-c3d4 created")
	if entry.Level != "info" {
		t.Errorf("expected level info, got %q", entry.Level)
	}
	if entry.ProductID != "prod-1" {
		t.Errorf("expected product id prod-1, got %q", entry.ProductID)
	}
	if entry.AlertID != "a1b2-c3d4" {
		t.Errorf("expected alert id a1b2-c3d4, got %q", entry.AlertID)
	}

	// Test case 3: warn markers classify as warn
	entry = ParseLine("2026/03/01 10:03:00 ⚠️ Elasticsearch indexing disabled: connection refused")
	if entry.Level != "warn" {
		t.Errorf("expected level warn, got %q", entry.Level)
	}

	// Test case 4: a line without a timestamp prefix still classifies
	entry = ParseLine("not a timestamped line")
	if entry.TS != "" {
		t.Errorf("expected empty TS, got %q", entry.TS)
	}
	if entry.Level != "info" || entry.ProductID != "" || entry.TaskID != "" {
		t.Errorf("expected plain info entry, got %+v", entry)
	}

	// Test case 5: prose like "task sweep" is not mistaken for an id
	entry = ParseLine("2026/03/01 10:04:00 ❌ Stale task sweep failed: timeout")
	if entry.TaskID != "" {
		t.Errorf("expected no task id, got %q", entry.TaskID)
	}
}

func TestFilter(t *testing.T) {
	entries, _ := GetLogsFromFile(sampleLog, "", "")

	// Test case 1: filtering by level keeps only matching entries
	errors := Filter(entries, "error", "")
	if len(errors) != 1 {
		t.Fatalf("expected 1 error entry, got %d", len(errors))
	}
	if errors[0].TaskID != "task-9" {
		t.Errorf("expected the failed task entry, got %+v", errors[0])
	}

	// Test case 2: filtering by product id
	forProduct := Filter(entries, "", "prod-1")
	if len(forProduct) != 1 {
		t.Fatalf("expected 1 entry for prod-1, got %d", len(forProduct))
	}

	// Test case 3: both filters must match
	if got := Filter(entries, "error", "prod-1"); len(got) != 0 {
		t.Errorf("expected no error entries for prod-1, got %d", len(got))
	}

	// Test case 4: empty filters pass everything through
	if got := Filter(entries, "", ""); len(got) != len(entries) {
		t.Errorf("expected %d entries, got %d", len(entries), len(got))
	}
}

func TestGetLogsFromFile(t *testing.T) {
	// Test case 1: every non-empty line becomes a structured entry
	entries, cursor := GetLogsFromFile(sampleLog, "", "")
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	if entries[0].TS == "" {
		t.Error("timestamped line should carry a TS")
	}
	if entries[2].ProductID != "prod-1" {
		t.Errorf("expected product id prod-1, got %q", entries[2].ProductID)
	}
	if entries[3].TS != "" {
		t.Error("unparseable line should have an empty TS")
	}
	if entries[4].Level != "error" || entries[4].TaskID != "task-9" {
		t.Errorf("expected error entry for task-9, got %+v", entries[4])
	}
	if cursor != entries[4].TS {
		t.Errorf("cursor should be the last TS, got %q", cursor)
	}

	// Test case 2: the after cursor skips already-seen timestamped lines
	entries, _ = GetLogsFromFile(sampleLog, "2026-03-01T10:00:05Z", "")
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries after the cursor, got %d", len(entries))
	}

	// Test case 3: search filters case-insensitively on the whole line
	entries, _ = GetLogsFromFile(sampleLog, "", "DROPPED")
	if len(entries) != 1 {
		t.Fatalf("expected 1 match, got %d", len(entries))
	}

	// Test case 4: empty content yields nothing
	entries, cursor = GetLogsFromFile("", "", "")
	if len(entries) != 0 || cursor != "" {
		t.Errorf("expected empty result, got %d entries, cursor %q", len(entries), cursor)
	}
}
