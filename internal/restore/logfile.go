package restore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// annotationPrefix marks lines written by devicekit rather than the restore tool.
const annotationPrefix = "# dkit: "

var unsafeDirChars = regexp.MustCompile(`[^\w.-]`)

// runLog is the per-run log file. It is created exclusively so two runs can
// never share a file, and it exists for every attempt including dry runs.
type runLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
}

// logPath returns {root}/{udid}/restore-{ts}-{id}.log with the udid made filesystem safe.
func logPath(root, udid, runID string, now time.Time) string {
	dir := unsafeDirChars.ReplaceAllString(udid, "_")
	if dir == "" {
		dir = "unknown"
	}
	name := fmt.Sprintf("restore-%s-%s.log", now.Format("20060102-150405"), runID)
	return filepath.Join(root, dir, name)
}

func openRunLog(path string) (*runLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create run log: %w", err)
	}
	return &runLog{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

// Line appends raw tool output.
func (l *runLog) Line(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.w.WriteString(s)
	_ = l.w.WriteByte('\n')
}

// Annotate appends a devicekit annotation line.
func (l *runLog) Annotate(format string, args ...any) {
	l.Line(annotationPrefix + fmt.Sprintf(format, args...))
}

func (l *runLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		_ = l.f.Close()
		return err
	}
	return l.f.Close()
}
