// Package console renders log records for a human watching a foreground
// daemon. A daemonized process never writes here.
package console

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Theme centralizes console styling.
type Theme struct {
	Timestamp lipgloss.Style
	Debug     lipgloss.Style
	Info      lipgloss.Style
	Warn      lipgloss.Style
	Error     lipgloss.Style
	Attr      lipgloss.Style
}

// NewTheme builds the default theme for the terminal behind r.
func NewTheme(r *lipgloss.Renderer) Theme {
	return Theme{
		Timestamp: r.NewStyle().Bold(true),
		Debug:     r.NewStyle().Foreground(lipgloss.Color("#888888")),
		Info:      r.NewStyle(),
		Warn:      r.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		Error:     r.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		Attr:      r.NewStyle().Foreground(lipgloss.Color("#61AFEF")),
	}
}

// Writer turns JSON log lines into styled console lines. Lines that are not
// JSON objects are passed through unchanged.
type Writer struct {
	mu      sync.Mutex
	out     io.Writer
	theme   Theme
	partial []byte
}

func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out, theme: NewTheme(lipgloss.NewRenderer(out))}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data := append(w.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		if _, err := io.WriteString(w.out, w.render(data[:i])+"\n"); err != nil {
			w.partial = nil
			return 0, err
		}
		data = data[i+1:]
	}
	w.partial = append([]byte(nil), data...)
	return len(p), nil
}

// Message prints a single styled line outside the logger, for the final
// word before a foreground process exits.
func (w *Writer) Message(level, msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	line := w.line(time.Now(), level, msg, "")
	_, _ = io.WriteString(w.out, line+"\n")
}

func (w *Writer) render(raw []byte) string {
	var rec map[string]any
	if err := json.Unmarshal(raw, &rec); err != nil {
		return string(raw)
	}

	ts := time.Now()
	if s, ok := rec["time"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			ts = parsed
		}
	}
	level, _ := rec["level"].(string)
	msg, _ := rec["msg"].(string)
	delete(rec, "time")
	delete(rec, "level")
	delete(rec, "msg")

	return w.line(ts, level, msg, formatAttrs(rec))
}

func (w *Writer) line(ts time.Time, level, msg, attrs string) string {
	style := w.theme.Info
	switch strings.ToUpper(level) {
	case "DEBUG":
		style = w.theme.Debug
	case "WARN":
		style = w.theme.Warn
	case "ERROR":
		style = w.theme.Error
	}

	var b strings.Builder
	b.WriteString(w.theme.Timestamp.Render("[" + ts.Local().Format(time.DateTime) + "]"))
	b.WriteByte(' ')
	b.WriteString(style.Render(fmt.Sprintf("%-5s %s", strings.ToUpper(level), msg)))
	if attrs != "" {
		b.WriteByte(' ')
		b.WriteString(w.theme.Attr.Render(attrs))
	}
	return b.String()
}

func formatAttrs(rec map[string]any) string {
	if len(rec) == 0 {
		return ""
	}
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		switch v := rec[k].(type) {
		case string:
			parts = append(parts, k+"="+v)
		default:
			b, _ := json.Marshal(v)
			parts = append(parts, k+"="+string(b))
		}
	}
	return strings.Join(parts, " ")
}
