package runlog

import (
	"fmt"
	"os"
	"time"
)

// Log appends one line per processed day to a persistent run log, so an
// interrupted range can be resumed from the first day that has no line.
type Log struct {
	path string
}

// New returns a Log writing to path. The file is created on first append.
func New(path string) *Log {
	return &Log{path: path}
}

// Append records the outcome of one day.
func (l *Log) Append(day time.Time, inserted, duplicates int, minutes float64) error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s: Inserted=%d, Duplicates=%d, Time=%.2f min\n",
		day.UTC().Format("20060102"), inserted, duplicates, minutes)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	return nil
}
