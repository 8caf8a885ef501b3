// Package gwlog is a thin bracket-tagged wrapper over the standard log
// package, carrying forward the teacher's "[LOG] component: message"
// convention instead of introducing a structured logging library that
// nothing in the example pack actually imports.
package gwlog

import "log"

// Logger prefixes every line with a component tag, e.g. "[engine]".
type Logger struct {
	tag string
}

// New returns a Logger tagging its output with component, e.g. "engine" →
// "[engine] ...".
func New(component string) *Logger {
	return &Logger{tag: "[" + component + "] "}
}

func (l *Logger) Printf(format string, args ...any) {
	log.Printf(l.tag+format, args...)
}

func (l *Logger) Println(args ...any) {
	log.Println(append([]any{l.tag[:len(l.tag)-1]}, args...)...)
}

// Error logs a non-fatal error observed by a component, tagged "[ERROR] <tag>"
// to match the teacher's error-logging convention (e.g. "[ERROR-QB]").
func (l *Logger) Error(format string, args ...any) {
	log.Printf("[ERROR] "+l.tag+format, args...)
}
