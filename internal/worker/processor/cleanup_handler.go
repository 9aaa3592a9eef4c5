package processor

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tokejepsen/mayasequence/internal/pkg/logger"
)

// Cleanup removes session directories a crashed supervisor left behind.
type Cleanup struct {
	sessionRoot string
	maxAge      time.Duration
	log         *logger.Logger
}

func NewCleanup(sessionRoot string, maxAge time.Duration, log *logger.Logger) *Cleanup {
	if sessionRoot == "" {
		sessionRoot = os.TempDir()
	}
	return &Cleanup{sessionRoot: sessionRoot, maxAge: maxAge, log: log}
}

// StaleSessions deletes session-* directories older than maxAge and
// returns how many were removed.
func (c *Cleanup) StaleSessions(now time.Time) int {
	entries, err := os.ReadDir(c.sessionRoot)
	if err != nil {
		return 0
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "session-") {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < c.maxAge {
			continue
		}
		dir := filepath.Join(c.sessionRoot, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			c.log.Warn("removing stale session directory", "dir", dir, "error", err.Error())
			continue
		}
		removed++
	}
	if removed > 0 {
		c.log.Info("removed stale session directories", "count", removed)
	}
	return removed
}
