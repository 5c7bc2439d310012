package builds

import (
	"database/sql"
	"log"
	"strings"
	"sync"

	"forge/internal/events"
)

// LogCapture absorbs high-frequency process output without a database
// round trip per line. Appends never block and never fail; a single
// consumer goroutine drains everything queued each wake-up into one
// multi-row insert, preserving per-build line order.
type LogCapture struct {
	db  *sql.DB
	bus *events.Bus

	mu      sync.Mutex
	pending []logLine
	closed  bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

type logLine struct {
	slug    string
	buildID int64
	text    string
}

// NewLogCapture creates the capture and starts its consumer goroutine.
func NewLogCapture(db *sql.DB, bus *events.Bus) *LogCapture {
	c := &LogCapture{
		db:   db,
		bus:  bus,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go c.run()
	return c
}

// Append enqueues one output line for a build. Lines enqueued after Close
// are dropped.
func (c *LogCapture) Append(slug string, buildID int64, text string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.pending = append(c.pending, logLine{slug: slug, buildID: buildID, text: text})
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting input and signals the consumer to finish draining
// what is already queued. It does not wait for the drain; shutdown flushes
// are best-effort.
func (c *LogCapture) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.stop) })
}

func (c *LogCapture) run() {
	defer close(c.done)
	for {
		select {
		case <-c.wake:
			c.flush()
		case <-c.stop:
			c.flush()
			return
		}
	}
}

// flush drains the queue completely and writes one batch per wake-up.
func (c *LogCapture) flush() {
	for {
		c.mu.Lock()
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		// Chunk very large bursts to stay under sqlite's bind limit.
		for len(batch) > 0 {
			n := len(batch)
			if n > 500 {
				n = 500
			}
			c.insert(batch[:n])
			batch = batch[n:]
		}
	}
}

func (c *LogCapture) insert(batch []logLine) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO builds_logs (plugin_slug, build_id, logs) VALUES `)
	args := make([]any, 0, len(batch)*3)
	for i, l := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?)")
		args = append(args, l.slug, l.buildID, l.text)
	}

	if _, err := c.db.Exec(sb.String(), args...); err != nil {
		log.Printf("builds: insert %d log lines: %v", len(batch), err)
		return
	}

	// One BuildLogUpdated per build represented in the batch, so realtime
	// listeners wake once per burst rather than once per line.
	seen := make(map[FullBuildID]struct{})
	for _, l := range batch {
		fid := FullBuildID{PluginSlug: l.slug, BuildID: l.buildID}
		if _, ok := seen[fid]; ok {
			continue
		}
		seen[fid] = struct{}{}
		c.bus.Publish(events.Event{
			Type:       events.BuildLogUpdated,
			PluginSlug: fid.PluginSlug,
			BuildID:    fid.BuildID,
		})
	}
}
