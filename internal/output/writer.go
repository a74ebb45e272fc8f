package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"medcouncil/internal/consult"
	"medcouncil/internal/session"
)

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// GenerateSlug turns a patient or session name into a filesystem-safe slug,
// capped at 50 characters. Non-ASCII names (common for patient names) fall
// back to "consult".
func GenerateSlug(name string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(name), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 50 {
		slug = strings.Trim(slug[:50], "-")
	}
	if slug == "" {
		return "consult"
	}
	return slug
}

// CreateOutputDir creates base/<slug>-<timestamp> and returns its path.
func CreateOutputDir(base, slug string) (string, error) {
	dir := filepath.Join(base, fmt.Sprintf("%s-%s", slug, time.Now().Format("20060102-150405")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("output: creating %s: %w", dir, err)
	}
	return dir, nil
}

// Writer writes the artifacts of one consultation run into a directory:
// session.json, report.md and a line-buffered consult.log.
type Writer struct {
	dir  string
	logs []string
}

// NewWriter creates a writer rooted at dir.
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// WriteJSON writes the full snapshot as session.json.
func (w *Writer) WriteJSON(snap consult.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("output: encoding snapshot: %w", err)
	}
	return w.writeFile("session.json", data)
}

// WriteMarkdown renders the snapshot as report.md.
func (w *Writer) WriteMarkdown(name string, snap consult.Snapshot) error {
	return w.writeFile("report.md", []byte(session.ExportMarkdown(name, snap)))
}

// Log appends a timestamped line and flushes it to consult.log immediately,
// so a crash mid-run still leaves a usable trace.
func (w *Writer) Log(line string) {
	entry := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), line)
	w.logs = append(w.logs, entry)

	f, err := os.OpenFile(filepath.Join(w.dir, "consult.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintln(f, entry)
}

func (w *Writer) writeFile(name string, data []byte) error {
	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("output: writing %s: %w", path, err)
	}
	return nil
}
