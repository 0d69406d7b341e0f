package scrape

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FailureLogName is the file per-target failures are appended to.
const FailureLogName = "report.txt"

const failureTimeLayout = "02-01-2006 15:04:05"

// FailureLog appends "[timestamp] target - reason" lines to report.txt.
// The file only exists once something has failed.
type FailureLog struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewFailureLog returns a log writing into dir.
func NewFailureLog(dir string, now func() time.Time) *FailureLog {
	if now == nil {
		now = time.Now
	}
	return &FailureLog{path: filepath.Join(dir, FailureLogName), now: now}
}

// Path is the log file location.
func (l *FailureLog) Path() string { return l.path }

// Append records one failure.
func (l *FailureLog) Append(target, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening failure log: %w", err)
	}
	line := fmt.Sprintf("[%s] %s - %s\n", l.now().Format(failureTimeLayout), target, oneLine(reason))
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("writing failure log: %w", err)
	}
	return f.Close()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
