// Package kdclog provides logging with areas and verbosity control for KDC components.
package kdclog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Area identifies different logging areas for filtering.
type Area int

const (
	AreaGeneral Area = iota
	AreaNet
	AreaPreauth
	AreaFAST
	AreaPolicy
	AreaTicket
)

var areaNames = map[Area]string{
	AreaGeneral: "general",
	AreaNet:     "net",
	AreaPreauth: "preauth",
	AreaFAST:    "fast",
	AreaPolicy:  "policy",
	AreaTicket:  "ticket",
}

func (a Area) String() string {
	if s, ok := areaNames[a]; ok {
		return s
	}
	return fmt.Sprintf("area(%d)", int(a))
}

// ParseArea returns the area with the given name.
func ParseArea(name string) (Area, error) {
	for a, s := range areaNames {
		if strings.EqualFold(s, name) {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown log area %q", name)
}

// Logger provides logging with areas and verbosity control.
// A Logger is safe for concurrent use once configured.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	enabled   bool
	verbosity int           // 0=errors only, 1=info, 2=debug, 3=trace
	areas     map[Area]bool // nil means all areas enabled
	now       func() time.Time
}

// New creates a new logger. If output is nil, logging is disabled.
func New(output io.Writer) *Logger {
	return &Logger{
		output:    output,
		enabled:   output != nil,
		verbosity: 1,
		areas:     nil, // all areas enabled by default
		now:       time.Now,
	}
}

// SetVerbosity sets the verbosity level (0-3).
func (l *Logger) SetVerbosity(level int) {
	l.verbosity = level
}

// Verbosity returns the verbosity level.
func (l *Logger) Verbosity() int {
	if l == nil {
		return 0
	}
	return l.verbosity
}

// EnableArea enables logging for a specific area.
func (l *Logger) EnableArea(area Area) {
	if l.areas == nil {
		l.areas = make(map[Area]bool)
	}
	l.areas[area] = true
}

// DisableArea disables logging for a specific area.
func (l *Logger) DisableArea(area Area) {
	if l.areas == nil {
		return
	}
	delete(l.areas, area)
}

// Enabled reports whether a message for area at level would be written.
func (l *Logger) Enabled(area Area, level int) bool {
	return l.shouldLog(area, level)
}

func (l *Logger) shouldLog(area Area, level int) bool {
	if l == nil || !l.enabled || l.output == nil {
		return false
	}
	if level > l.verbosity {
		return false
	}
	if l.areas != nil && !l.areas[area] {
		return false
	}
	return true
}

func (l *Logger) log(area Area, level int, format string, args ...any) {
	if !l.shouldLog(area, level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.output, "%s %s\n", l.now().Format("2006/01/02 15:04:05"), msg)
}

// Errorf logs an error. Errors are written at every verbosity.
func (l *Logger) Errorf(area Area, format string, args ...any) {
	l.log(area, 0, "ERROR: "+format, args...)
}

// Printf logs a general message at info level.
func (l *Logger) Printf(area Area, format string, args ...any) {
	l.log(area, 1, format, args...)
}

// Debugf logs a debug message.
func (l *Logger) Debugf(area Area, format string, args ...any) {
	l.log(area, 2, format, args...)
}

// Tracef logs a trace message (most verbose).
func (l *Logger) Tracef(area Area, format string, args ...any) {
	l.log(area, 3, format, args...)
}

// Fatalf logs and exits.
func (l *Logger) Fatalf(format string, args ...any) {
	if l != nil && l.output != nil {
		msg := fmt.Sprintf(format, args...)
		fmt.Fprintf(l.output, "%s FATAL: %s\n", l.now().Format("2006/01/02 15:04:05"), msg)
	}
	os.Exit(1)
}
