package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/facebookgo/stats"
)

func TestCounters(t *testing.T) {
	c := &counters{}
	stats.BumpSum(c, "ql.put.conditionfailed", 1)
	stats.BumpSum(c, "ql.put.conditionfailed", 1)
	stats.BumpTime(c, "ql.get.time").End()

	var buf bytes.Buffer
	c.Print(&buf)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("Received %q", buf.String())
	}
	// sorted by name
	if !strings.HasPrefix(lines[0], "ql.get.time.count:") || !strings.HasSuffix(lines[0], "1.0") {
		t.Errorf("Received %q", lines[0])
	}
	if !strings.HasPrefix(lines[2], "ql.put.conditionfailed:") || !strings.HasSuffix(lines[2], "2.0") {
		t.Errorf("Received %q", lines[2])
	}
}
