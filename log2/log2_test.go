package log2

import (
	"bytes"
	"fmt"
	"log"
	"runtime"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestLog2(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		fun  func(t testing.TB, l *Log) string
	}{
		{"caller/debug", func(t testing.TB, l *Log) string {
			l.SetFlags(log.Lshortfile)
			l.Debugf("frame len=%d", 42)
			return callerLine(1) + "debug: frame len=42\n"
		}},
		{"caller/error", func(t testing.TB, l *Log) string {
			l.SetFlags(log.Lshortfile)
			l.Errorf("crc mismatch")
			return callerLine(1) + "error: crc mismatch\n"
		}},
		{"level/skip", func(t testing.TB, l *Log) string {
			l.SetFlags(0)
			l.SetLevel(LInfo)
			l.Debugf("hidden")
			l.Infof("state=%s", "connected")
			assert.Equal(t, l != nil, l.Enabled(LInfo))
			assert.False(t, l.Enabled(LDebug))
			return "state=connected\n"
		}},
		{"error-func/error", func(t testing.TB, l *Log) string {
			var got error
			l.SetErrorFunc(func(e error) { got = e })
			l.SetFlags(0)
			cause := errors.New("transport closed")
			l.Error(cause)
			if l == nil {
				assert.Nil(t, got)
			} else {
				assert.Equal(t, cause, got)
			}
			return "error: transport closed\n"
		}},
		{"error-func/format", func(t testing.TB, l *Log) string {
			var got error
			l.SetErrorFunc(func(e error) { got = e })
			l.SetFlags(0)
			l.Errorf("device=%s degraded", "D1")
			if l != nil {
				assert.Equal(t, "device=D1 degraded", got.Error())
			}
			return "error: device=D1 degraded\n"
		}},
		{"named", func(t testing.TB, l *Log) string {
			l.SetFlags(0)
			l.Named("mqtt").Named("D1").Infof("publish")
			return "mqtt D1 publish\n"
		}},
		{"clone-level", func(t testing.TB, l *Log) string {
			l.SetFlags(0)
			quiet := l.Clone(LError)
			quiet.Infof("dropped")
			quiet.Errorf("kept")
			return "error: kept\n"
		}},
		{"printf", func(t testing.TB, l *Log) string {
			l.SetFlags(0)
			l.Printf("mqtt %s", "connected")
			l.Println("mqtt", "lost")
			return "mqtt connected\nmqtt lost\n"
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name+"/logger=nil", func(t *testing.T) {
			c.fun(t, nil)
		})
		t.Run(c.name, func(t *testing.T) {
			buf := bytes.NewBuffer(nil)
			l := NewWriter(buf, LAll)
			expect := c.fun(t, l)
			assert.Equal(t, expect, buf.String())
		})
	}
}

func TestNewTest(t *testing.T) {
	t.Parallel()
	var lines []string
	l := NewFunc(func(format string, args ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, args...))
	}, LDebug)
	l.SetFlags(0)
	l.Debugf("one")
	l.Info("two")
	assert.Equal(t, []string{"debug: one", "two"}, lines)
}

func TestFatalKeepsPercent(t *testing.T) {
	t.Parallel()
	var got []string
	l := NewFunc(func(string, ...interface{}) {}, LDebug)
	l.fatalf = func(format string, args ...interface{}) {
		got = append(got, fmt.Sprintf(format, args...))
	}
	pct := "duty 100%s " // non-constant, so vet does not treat it as a format
	l.Fatal(pct, 5)
	l.Fatalf("code=%d", 7)
	assert.Equal(t, []string{"duty 100%s 5", "code=7"}, got)
}

// callerLine formats file:line of the statement before caller at depth.
func callerLine(depth int) string {
	_, file, line, ok := runtime.Caller(depth)
	if !ok {
		return "???:0: "
	}
	for i := len(file) - 1; i > 0; i-- {
		if file[i] == '/' {
			file = file[i+1:]
			break
		}
	}
	return fmt.Sprintf("%s:%d: ", file, line-1)
}
