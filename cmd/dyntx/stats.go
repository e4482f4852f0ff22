package main

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/facebookgo/stats"
)

// counters is a stats.Client keeping totals in memory, for printing when
// the command finishes.
type counters struct {
	m    sync.Mutex
	sums map[string]float64
}

var _ stats.Client = &counters{}

func (c *counters) BumpAvg(key string, val float64)       { c.BumpSum(key, val) }
func (c *counters) BumpHistogram(key string, val float64) { c.BumpSum(key, val) }

func (c *counters) BumpSum(key string, val float64) {
	c.m.Lock()
	defer c.m.Unlock()
	if c.sums == nil {
		c.sums = make(map[string]float64)
	}
	c.sums[key] += val
}

// BumpTime counts the timed calls and their total milliseconds.
func (c *counters) BumpTime(key string) interface {
	End()
} {
	return timer{c: c, key: key, start: time.Now()}
}

type timer struct {
	c     *counters
	key   string
	start time.Time
}

func (t timer) End() {
	t.c.BumpSum(t.key+".count", 1)
	t.c.BumpSum(t.key+".ms", float64(time.Since(t.start))/float64(time.Millisecond))
}

// Print writes the counters sorted by name.
func (c *counters) Print(out io.Writer) {
	c.m.Lock()
	defer c.m.Unlock()
	var keys []string
	for k := range c.sums {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w := tabwriter.NewWriter(out, 5, 1, 3, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(w, "%s:\t%.1f\n", k, c.sums[k])
	}
	w.Flush()
}
