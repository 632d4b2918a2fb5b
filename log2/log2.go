// Package log2 is a thin leveled wrapper around stdlib log.
// Goals: filter debug noise in production, change level safely at runtime,
// and route parallel test logs into t.Logf without data races.
package log2

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"testing"
)

const (
	Lmicroseconds     int = log.Lmicroseconds
	Lshortfile        int = log.Lshortfile
	LServiceFlags     int = Lshortfile
	LInteractiveFlags int = log.Ltime | Lshortfile | Lmicroseconds
	LTestFlags        int = Lshortfile | Lmicroseconds
)

type Level int32

const (
	LError Level = iota
	LInfo
	LDebug
)

type Func func(format string, args ...interface{})

type Log struct {
	l      *log.Logger
	w      io.Writer
	level  Level
	fatalf Func
}

func NewStderr(level Level) *Log { return NewWriter(os.Stderr, level) }

func NewWriter(w io.Writer, level Level) *Log {
	return &Log{
		l:     log.New(w, "", log.Ltime|Lshortfile),
		level: level,
		w:     w,
	}
}

type funcWriter struct{ f Func }

func (fw funcWriter) Write(b []byte) (int, error) {
	fw.f(string(b))
	return len(b), nil
}

func NewFunc(f Func, level Level) *Log { return NewWriter(funcWriter{f}, level) }

// NewTest routes output to t.Logf and failures to t.Fatalf.
func NewTest(t testing.TB, level Level) *Log {
	l := NewFunc(t.Logf, level)
	l.fatalf = t.Fatalf
	return l
}

func (l *Log) Clone(level Level) *Log {
	if l == nil {
		return nil
	}
	l2 := NewWriter(l.w, level)
	l2.l.SetFlags(l.l.Flags())
	l2.fatalf = l.fatalf
	return l2
}

func (l *Log) SetLevel(lvl Level) {
	if l == nil {
		return
	}
	atomic.StoreInt32((*int32)(&l.level), int32(lvl))
}

func (l *Log) SetFlags(f int) {
	if l == nil {
		return
	}
	l.l.SetFlags(f)
}

func (l *Log) SetPrefix(prefix string) {
	if l == nil {
		return
	}
	l.l.SetPrefix(prefix)
}

func (l *Log) Enabled(lvl Level) bool {
	if l == nil {
		return false
	}
	return atomic.LoadInt32((*int32)(&l.level)) >= int32(lvl)
}

func (l *Log) Logf(lvl Level, format string, args ...interface{}) {
	if l.Enabled(lvl) {
		l.l.Output(3, fmt.Sprintf(format, args...))
	}
}

func (l *Log) Errorf(format string, args ...interface{}) {
	l.Logf(LError, "error: "+format, args...)
}
func (l *Log) Error(args ...interface{}) { l.Errorf("%s", fmt.Sprint(args...)) }

func (l *Log) Infof(format string, args ...interface{}) { l.Logf(LInfo, format, args...) }
func (l *Log) Info(args ...interface{})                 { l.Infof("%s", fmt.Sprint(args...)) }

func (l *Log) Debugf(format string, args ...interface{}) {
	l.Logf(LDebug, "debug: "+format, args...)
}
func (l *Log) Debug(args ...interface{}) { l.Debugf("%s", fmt.Sprint(args...)) }

// Printf and Println satisfy logger interfaces of third-party libraries
// (e.g. paho mqtt).
func (l *Log) Printf(format string, args ...interface{}) { l.Logf(LInfo, format, args...) }
func (l *Log) Println(args ...interface{})               { l.Info(args...) }

func (l *Log) Fatalf(format string, args ...interface{}) {
	if l != nil && l.fatalf != nil {
		l.fatalf(format, args...)
		return
	}
	l.Logf(LError, "fatal: "+format, args...)
	os.Exit(1)
}
func (l *Log) Fatal(args ...interface{}) { l.Fatalf("%s", fmt.Sprint(args...)) }
