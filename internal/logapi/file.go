package logapi

import (
	"regexp"
	"strings"
	"time"
)

// LogEntry is a structured view of one log line. Level and the ids are
// derived from the line text so clients can filter by severity or by the
// product, task, or alert the line concerns.
type LogEntry struct {
	TS        string `json:"ts"` // RFC3339; empty when the line has no parseable prefix
	Level     string `json:"level"`
	Message   string `json:"message"`
	ProductID string `json:"product_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	AlertID   string `json:"alert_id,omitempty"`
}

// Log line prefix format from Go's log.LstdFlags: "2006/01/02 15:04:05 "
const logTimePrefixLen = 19

var logTimeLayout = "2006/01/02 15:04:05"

// Every service prefixes its messages with an emoji marker; that marker is
// the only severity signal the plain-text format carries.
var (
	errorMarks = []string{"❌", "🛑"}
	warnMarks  = []string{"⚠️", "⏳"}
)

// The ids the services log are hyphenated ("prod-1", task uuids), so the
// capture requires a hyphen. That keeps prose like "task sweep" from being
// read as an id.
var (
	productIDRe = regexp.MustCompile(`(?i)\bproduct ([0-9a-z]+(?:-[0-9a-z]+)+)`)
	taskIDRe    = regexp.MustCompile(`(?i)\btask ([0-9a-z]+(?:-[0-9a-z]+)+)`)
	alertIDRe   = regexp.MustCompile(`(?i)\balert ([0-9a-z]+(?:-[0-9a-z]+)+)`)
)

// ParseLine turns one raw log line into a LogEntry. Lines without a
// timestamp prefix keep an empty TS and classify on the whole line.
func ParseLine(line string) LogEntry {
	entry, _ := parseLine(line)
	return entry
}

func parseLine(line string) (LogEntry, time.Time) {
	entry := LogEntry{Message: line}
	msg := line
	var ts time.Time
	if len(line) >= logTimePrefixLen {
		if t, err := time.Parse(logTimeLayout, line[:logTimePrefixLen]); err == nil {
			ts = t.UTC()
			entry.TS = ts.Format(time.RFC3339Nano)
			msg = strings.TrimSpace(line[logTimePrefixLen:])
		}
	}
	entry.Level = levelOf(msg)
	if m := productIDRe.FindStringSubmatch(msg); m != nil {
		entry.ProductID = strings.ToLower(m[1])
	}
	if m := taskIDRe.FindStringSubmatch(msg); m != nil {
		entry.TaskID = strings.ToLower(m[1])
	}
	if m := alertIDRe.FindStringSubmatch(msg); m != nil {
		entry.AlertID = strings.ToLower(m[1])
	}
	return entry, ts
}

func levelOf(msg string) string {
	for _, mark := range errorMarks {
		if strings.HasPrefix(msg, mark) {
			return "error"
		}
	}
	for _, mark := range warnMarks {
		if strings.HasPrefix(msg, mark) {
			return "warn"
		}
	}
	return "info"
}

// Filter keeps the entries matching the given level and product id. Empty
// arguments match everything.
func Filter(entries []LogEntry, level, productID string) []LogEntry {
	if level == "" && productID == "" {
		return entries
	}
	out := make([]LogEntry, 0, len(entries))
	for _, e := range entries {
		if level != "" && e.Level != level {
			continue
		}
		if productID != "" && e.ProductID != productID {
			continue
		}
		out = append(out, e)
	}
	return out
}

// GetLogsFromFile parses file content (one log line per line), optionally
// filtered by after (RFC3339) and a search substring. nextCursor is the TS
// of the last entry, for the next request's after.
func GetLogsFromFile(content string, after, searchQ string) ([]LogEntry, string) {
	searchLower := strings.ToLower(strings.TrimSpace(searchQ))
	afterTime := time.Time{}
	if after != "" {
		if t, err := time.Parse(time.RFC3339, after); err == nil {
			afterTime = t.UTC()
		}
	}

	var entries []LogEntry
	var nextCursor string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		entry, ts := parseLine(line)
		if !ts.IsZero() && !afterTime.IsZero() && !ts.After(afterTime) {
			continue
		}
		if searchLower != "" && !strings.Contains(strings.ToLower(line), searchLower) {
			continue
		}
		entries = append(entries, entry)
		nextCursor = entry.TS
	}
	return entries, nextCursor
}
