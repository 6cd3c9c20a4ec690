// Package tlog provides the leveled, prefix-forking logger used throughout
// tunnelproxy. It is deliberately small: one level filter, one prefix chain,
// and terminal-aware coloring of the level tag.
package tlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/andrew-d/go-termutil"
)

// raw SGR escape codes for the level tag. jpillora/ansi (a teacher
// dependency) is not used here: its exact exported API could not be
// grounded against any usage in the retrieval pack, and fabricating calls
// against a guessed API is worse than this small stdlib-only table — see
// DESIGN.md.
const ansiReset = "\x1b[0m"

var levelColorCodes = [...]string{
	"\x1b[31m", // error: red
	"\x1b[33m", // warning: yellow
	"\x1b[34m", // info: blue
	"\x1b[90m", // debug: gray
	"\x1b[90m", // trace: gray
}

// Level is the severity of a log record, ordered from most to least severe.
type Level int

const (
	LevelError Level = iota
	LevelWarning
	LevelInfo
	LevelDebug
	LevelTrace
)

var levelNames = [...]string{"error", "warning", "info", "debug", "trace"}

func (l Level) String() string {
	if l < LevelError || l > LevelTrace {
		return "unknown"
	}
	return levelNames[l]
}

// ParseLevel converts a case-insensitive level name ("debug", "INFO", ...)
// to a Level. It defaults to LevelInfo if the name is not recognised.
func ParseLevel(s string) Level {
	for i, name := range levelNames {
		if strings.EqualFold(name, s) {
			return Level(i)
		}
	}
	return LevelInfo
}

// Logger is a leveled logging sink that can fork child loggers with an
// extended prefix, in the style of the teacher's share.Logger.
type Logger interface {
	Errorf(f string, args ...interface{}) error
	Warnf(f string, args ...interface{})
	Infof(f string, args ...interface{})
	Debugf(f string, args ...interface{})
	Tracef(f string, args ...interface{})

	// Fork returns a new Logger whose prefix is this logger's prefix plus
	// the given formatted suffix.
	Fork(f string, args ...interface{}) Logger

	Prefix() string
	Level() Level
	SetLevel(Level)
}

type logger struct {
	mu       sync.Mutex
	out      io.Writer
	prefix   string
	level    Level
	useColor bool
}

// New creates a root Logger writing to os.Stderr. Color is enabled
// automatically when stderr is a terminal (checked with go-termutil).
func New(prefix string, level Level) Logger {
	return &logger{
		out:      os.Stderr,
		prefix:   prefix,
		level:    level,
		useColor: termutil.Isatty(os.Stderr.Fd()),
	}
}

func (l *logger) logf(level Level, f string, args ...interface{}) string {
	msg := fmt.Sprintf(f, args...)
	line := msg
	if l.prefix != "" {
		line = l.prefix + ": " + msg
	}
	if level <= l.level {
		tag := strings.ToUpper(level.String())
		if l.useColor {
			tag = levelColorCodes[level] + tag + ansiReset
		}
		l.mu.Lock()
		log.New(l.out, "", log.Ldate|log.Ltime).Printf("[%s] %s", tag, line)
		l.mu.Unlock()
	}
	return line
}

func (l *logger) Errorf(f string, args ...interface{}) error {
	line := l.logf(LevelError, f, args...)
	return fmt.Errorf("%s", line)
}

func (l *logger) Warnf(f string, args ...interface{})  { l.logf(LevelWarning, f, args...) }
func (l *logger) Infof(f string, args ...interface{})  { l.logf(LevelInfo, f, args...) }
func (l *logger) Debugf(f string, args ...interface{}) { l.logf(LevelDebug, f, args...) }
func (l *logger) Tracef(f string, args ...interface{}) { l.logf(LevelTrace, f, args...) }

func (l *logger) Fork(f string, args ...interface{}) Logger {
	suffix := fmt.Sprintf(f, args...)
	newPrefix := suffix
	if l.prefix != "" {
		newPrefix = l.prefix + ": " + suffix
	}
	return &logger{
		out:      l.out,
		prefix:   newPrefix,
		level:    l.level,
		useColor: l.useColor,
	}
}

func (l *logger) Prefix() string    { return l.prefix }
func (l *logger) Level() Level      { return l.level }
func (l *logger) SetLevel(lv Level) { l.level = lv }
