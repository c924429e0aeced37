// Package logger records panel traffic to CSV files with automatic rotation.
package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/panelbridge/internal/panel"
	"github.com/shaunagostinho/panelbridge/internal/protocol"
)

// Logger writes one row per frame and per switch event.
type Logger struct {
	mu      sync.Mutex
	dir     string
	maxRows int
	enabled bool
	now     func() time.Time

	file   *os.File
	writer *csv.Writer
	rows   int
	files  int
}

// Config holds logger configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Path    string `yaml:"path" toml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" toml:"max_rows" json:"maxRows"`
}

const (
	defaultMaxRows = 100_000 // rotate after 100k rows
)

var csvHeader = []string{
	"timestamp", "kind", "direction", "command", "tag", "payload",
	"switch", "enabled", "error",
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/panelbridge"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &Logger{
		dir:     cfg.Path,
		maxRows: cfg.MaxRows,
		enabled: cfg.Enabled,
		now:     time.Now,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// ObserveFrame records a frame crossing the link.
func (l *Logger) ObserveFrame(dir protocol.Direction, f protocol.Frame) {
	row := make([]string, len(csvHeader))
	row[1] = "frame"
	row[2] = string(dir)
	if f.Tag != 0 || f.Text != "" {
		if f.Tag != 0 {
			row[4] = string(rune(f.Tag))
		}
		row[5] = f.Text
	} else {
		row[3] = strconv.Itoa(int(f.Command))
		row[5] = strconv.Itoa(int(f.Value))
	}
	l.write(row)
}

// ObserveEvent records a switch edge and the dispatch outcome.
func (l *Logger) ObserveEvent(ev panel.Event, err error) {
	row := make([]string, len(csvHeader))
	row[1] = "switch"
	row[2] = string(protocol.Inbound)
	row[6] = strconv.Itoa(ev.Switch)
	row[7] = boolStr(ev.Enabled)
	if err != nil {
		row[8] = err.Error()
	}
	l.write(row)
}

func (l *Logger) write(row []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}
	now := l.now()
	row[0] = now.Format(time.RFC3339Nano)

	// Open/rotate file if needed
	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(now); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	if err := l.writer.Write(row); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	l.files++
	filename := fmt.Sprintf("traffic_%s_%03d.csv", now.Format("2006-01-02_150405"), l.files)
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
