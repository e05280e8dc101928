// Package logx is a thin leveled wrapper over the standard logger that tags
// every line with the emitting component.
package logx

import (
	"fmt"
	"log"
	"sync/atomic"
)

// Logger prefixes each line with a component name and a level.
type Logger struct {
	component string
}

// New returns a logger for the named component, e.g. "registry".
func New(component string) *Logger {
	return &Logger{component: component}
}

var debugEnabled atomic.Bool

// EnableDebug turns DEBUG lines on or off process-wide.
func EnableDebug(on bool) { debugEnabled.Store(on) }

func (l *Logger) line(level, msg string) string {
	return fmt.Sprintf("[%s] [%s] %s", l.component, level, msg)
}

func (l *Logger) Debugf(f string, a ...any) {
	if !debugEnabled.Load() {
		return
	}
	log.Println(l.line("DEBUG", fmt.Sprintf(f, a...)))
}

func (l *Logger) Infof(f string, a ...any)  { log.Println(l.line("INFO", fmt.Sprintf(f, a...))) }
func (l *Logger) Warnf(f string, a ...any)  { log.Println(l.line("WARN", fmt.Sprintf(f, a...))) }
func (l *Logger) Errorf(f string, a ...any) { log.Println(l.line("ERROR", fmt.Sprintf(f, a...))) }
