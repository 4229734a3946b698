// Package stats provides lock-free counters for copy operations and for the
// server. Counters are updated from many goroutines; snapshots are
// point-in-time reads.
package stats

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Collector tracks the progress of a copy batch.
type Collector struct {
	filesScanned atomic.Int64
	filesCopied  atomic.Int64
	filesSkipped atomic.Int64
	filesFailed  atomic.Int64
	bytesCopied  atomic.Int64
	bytesTotal   atomic.Int64
	dirsCreated  atomic.Int64
	deltaCopies  atomic.Int64
	startTime    time.Time
}

// NewCollector creates a Collector with its start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

func (c *Collector) AddFilesScanned(n int64) { c.filesScanned.Add(n) }
func (c *Collector) AddFilesCopied(n int64)  { c.filesCopied.Add(n) }
func (c *Collector) AddFilesSkipped(n int64) { c.filesSkipped.Add(n) }
func (c *Collector) AddFilesFailed(n int64)  { c.filesFailed.Add(n) }
func (c *Collector) AddBytesCopied(n int64)  { c.bytesCopied.Add(n) }
func (c *Collector) AddBytesTotal(n int64)   { c.bytesTotal.Add(n) }
func (c *Collector) AddDirsCreated(n int64)  { c.dirsCreated.Add(n) }
func (c *Collector) AddDeltaCopies(n int64)  { c.deltaCopies.Add(n) }

// Snapshot is a consistent point-in-time read of all counters.
type Snapshot struct {
	FilesScanned int64
	FilesCopied  int64
	FilesSkipped int64
	FilesFailed  int64
	BytesCopied  int64
	BytesTotal   int64
	DirsCreated  int64
	DeltaCopies  int64
	Elapsed      time.Duration
}

// Snapshot returns the current counter values.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		FilesScanned: c.filesScanned.Load(),
		FilesCopied:  c.filesCopied.Load(),
		FilesSkipped: c.filesSkipped.Load(),
		FilesFailed:  c.filesFailed.Load(),
		BytesCopied:  c.bytesCopied.Load(),
		BytesTotal:   c.bytesTotal.Load(),
		DirsCreated:  c.dirsCreated.Load(),
		DeltaCopies:  c.deltaCopies.Load(),
		Elapsed:      time.Since(c.startTime),
	}
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"scanned=%d copied=%d skipped=%d failed=%d bytes=%s dirs=%d delta=%d",
		s.FilesScanned, s.FilesCopied, s.FilesSkipped, s.FilesFailed,
		FormatBytes(s.BytesCopied), s.DirsCreated, s.DeltaCopies,
	)
}

// FormatBytes renders a byte count with a binary-unit suffix.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

// ServerCollector tracks live server counters under concurrent update.
type ServerCollector struct {
	connections       atomic.Int64
	activeConnections atomic.Int64
	activeSessions    atomic.Int64
	bytesReceived     atomic.Int64
	bytesSent         atomic.Int64
	filesReceived     atomic.Int64
	filesSent         atomic.Int64
	startTime         time.Time
}

// NewServerCollector creates a ServerCollector with its start time set to now.
func NewServerCollector() *ServerCollector {
	return &ServerCollector{startTime: time.Now()}
}

// ConnOpened records a new connection and returns nothing; pair with ConnClosed.
func (c *ServerCollector) ConnOpened() {
	c.connections.Add(1)
	c.activeConnections.Add(1)
}

func (c *ServerCollector) ConnClosed()          { c.activeConnections.Add(-1) }
func (c *ServerCollector) SessionStarted()      { c.activeSessions.Add(1) }
func (c *ServerCollector) SessionEnded()        { c.activeSessions.Add(-1) }
func (c *ServerCollector) AddBytesReceived(n int64) { c.bytesReceived.Add(n) }
func (c *ServerCollector) AddBytesSent(n int64)     { c.bytesSent.Add(n) }
func (c *ServerCollector) AddFilesReceived(n int64) { c.filesReceived.Add(n) }
func (c *ServerCollector) AddFilesSent(n int64)     { c.filesSent.Add(n) }

// ServerSnapshot is a point-in-time read of the server counters.
type ServerSnapshot struct {
	Connections       int64
	ActiveConnections int64
	ActiveSessions    int64
	BytesReceived     int64
	BytesSent         int64
	FilesReceived     int64
	FilesSent         int64
	Uptime            time.Duration
}

// Snapshot returns the current server counter values.
func (c *ServerCollector) Snapshot() ServerSnapshot {
	return ServerSnapshot{
		Connections:       c.connections.Load(),
		ActiveConnections: c.activeConnections.Load(),
		ActiveSessions:    c.activeSessions.Load(),
		BytesReceived:     c.bytesReceived.Load(),
		BytesSent:         c.bytesSent.Load(),
		FilesReceived:     c.filesReceived.Load(),
		FilesSent:         c.filesSent.Load(),
		Uptime:            time.Since(c.startTime),
	}
}
