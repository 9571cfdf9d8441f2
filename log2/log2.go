// Package log2 solves these issues:
// - log level filtering, e.g. show debug messages in internal tests only
// - safe concurrent change of log level
// - route errors to a hook, i.e. device error counters
//
// Primary goal is to run parallel tests and log into t.Logf() safely.
// nil *Log is valid and discards everything.
package log2

import (
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/juju/errors"
)

const (
	// type specified here helped against accidentally passing flags as level
	Lmicroseconds     int = log.Lmicroseconds
	Lshortfile        int = log.Lshortfile
	LStdFlags         int = log.Ltime | Lshortfile
	LInteractiveFlags int = log.Ltime | Lshortfile | Lmicroseconds
	LServiceFlags     int = Lshortfile
	LTestFlags        int = Lshortfile | Lmicroseconds
)

type Level int32

const (
	LError = iota
	LInfo
	LDebug
	LAll = math.MaxInt32
)

type Log struct {
	l      *log.Logger
	level  Level
	w      io.Writer
	fatalf FmtFunc
	errfun atomic.Value // ErrorFunc
}

// ErrorFunc receives every logged error, i.e. for error counters or reporting upstream.
type ErrorFunc func(error)

func NewStderr(level Level) *Log { return NewWriter(os.Stderr, level) }
func NewWriter(w io.Writer, level Level) *Log {
	if w == io.Discard {
		return nil
	}
	return &Log{
		l:     log.New(w, "", LStdFlags),
		level: level,
		w:     w,
	}
}

type FmtFunc func(format string, args ...interface{})
type FuncWriter struct{ F FmtFunc }

func NewFunc(f FmtFunc, level Level) *Log { return NewWriter(FuncWriter{f}, level) }
func (self FuncWriter) Write(b []byte) (int, error) {
	// testing.T.Logf adds newline
	self.F("%s", strings.TrimSuffix(string(b), "\n"))
	return len(b), nil
}

func NewTest(t testing.TB, level Level) *Log {
	self := NewFunc(t.Logf, level)
	self.fatalf = t.Fatalf
	return self
}

func (self *Log) Clone(level Level) *Log {
	if self == nil {
		return nil
	}
	l := NewWriter(self.w, level)
	l.SetFlags(self.l.Flags())
	l.SetPrefix(self.l.Prefix())
	l.fatalf = self.fatalf
	if f, ok := self.errfun.Load().(ErrorFunc); ok {
		l.errfun.Store(f)
	}
	return l
}

// Clone with extra prefix, level preserved.
func (self *Log) Named(prefix string) *Log {
	if self == nil {
		return nil
	}
	l := self.Clone(Level(atomic.LoadInt32((*int32)(&self.level))))
	l.SetPrefix(self.l.Prefix() + prefix + " ")
	return l
}

func (self *Log) SetErrorFunc(f ErrorFunc) {
	if self == nil {
		return
	}
	self.errfun.Store(f)
}

func (self *Log) SetLevel(l Level) {
	if self == nil {
		return
	}
	atomic.StoreInt32((*int32)(&self.level), int32(l))
}

func (self *Log) SetFlags(f int) {
	if self == nil {
		return
	}
	self.l.SetFlags(f)
}

func (self *Log) SetPrefix(prefix string) {
	if self == nil {
		return
	}
	self.l.SetPrefix(prefix)
}

func (self *Log) Enabled(level Level) bool {
	if self == nil {
		return false
	}
	return atomic.LoadInt32((*int32)(&self.level)) >= int32(level)
}

func (self *Log) Log(level Level, s string) {
	if self.Enabled(level) {
		self.l.Output(3, s)
	}
}
func (self *Log) Logf(level Level, format string, args ...interface{}) {
	if self.Enabled(level) {
		self.l.Output(3, fmt.Sprintf(format, args...))
	}
}

func (self *Log) Error(args ...interface{}) {
	if self == nil {
		return
	}
	s := fmt.Sprint(args...)
	self.Log(LError, "error: "+s)
	if f, ok := self.errfun.Load().(ErrorFunc); ok && f != nil {
		if len(args) == 1 {
			if e, ok := args[0].(error); ok {
				f(e)
				return
			}
		}
		f(errors.New(s))
	}
}
func (self *Log) Errorf(format string, args ...interface{}) {
	if self == nil {
		return
	}
	self.Logf(LError, "error: "+format, args...)
	if f, ok := self.errfun.Load().(ErrorFunc); ok && f != nil {
		f(fmt.Errorf(format, args...))
	}
}
func (self *Log) Info(args ...interface{}) {
	self.Log(LInfo, fmt.Sprint(args...))
}
func (self *Log) Infof(format string, args ...interface{}) {
	self.Logf(LInfo, format, args...)
}
func (self *Log) Debug(args ...interface{}) {
	self.Log(LDebug, "debug: "+fmt.Sprint(args...))
}
func (self *Log) Debugf(format string, args ...interface{}) {
	self.Logf(LDebug, "debug: "+format, args...)
}

// Printf and Println satisfy third party logger interfaces, at Info level.
func (self *Log) Printf(format string, args ...interface{}) {
	self.Logf(LInfo, format, args...)
}
func (self *Log) Println(args ...interface{}) {
	self.Log(LInfo, strings.TrimSuffix(fmt.Sprintln(args...), "\n"))
}

func (self *Log) Fatalf(format string, args ...interface{}) {
	if self.fatalf != nil {
		self.fatalf(format, args...)
	} else {
		self.Logf(LError, "fatal: "+format, args...)
		os.Exit(1)
	}
}
func (self *Log) Fatal(args ...interface{}) {
	s := fmt.Sprint(args...)
	if self.fatalf != nil {
		self.fatalf("%s", s)
	} else {
		self.Log(LError, "fatal: "+s)
		os.Exit(1)
	}
}
