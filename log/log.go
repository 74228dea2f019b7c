// Package log provides the process-wide leveled, colored logger used by
// every pendingdns component. It is deliberately simple: a single writer
// guarded by a mutex, matching the logging habits of the repo this project
// was grown from rather than introducing a structured logging framework for
// its own sake.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

var stdout io.Writer = color.Output
var debugOutput = true
var mtxLog = &sync.Mutex{}

const (
	DEBUG = iota
	INFO
	IMPORTANT
	WARNING
	ERROR
	FATAL
	SUCCESS
)

var levelLabels = map[int]string{
	DEBUG:     "dbg",
	INFO:      "inf",
	IMPORTANT: "imp",
	WARNING:   "war",
	ERROR:     "err",
	FATAL:     "!!!",
	SUCCESS:   "+++",
}

func DebugEnable(enable bool) {
	debugOutput = enable
}

func SetOutput(o io.Writer) {
	stdout = o
}

// Fields renders a short "key=value key=value" suffix appended to a log
// line, for attaching request or zone context without switching the whole
// logger over to structured output. No package in this module uses it yet.
type Fields map[string]interface{}

func (f Fields) String() string {
	if len(f) == 0 {
		return ""
	}
	s := ""
	for k, v := range f {
		s += fmt.Sprintf(" %s=%v", k, v)
	}
	return s
}

func Debug(format string, args ...interface{}) {
	if !debugOutput {
		return
	}
	write(DEBUG, format, args...)
}

func Info(format string, args ...interface{}) {
	write(INFO, format, args...)
}

func Important(format string, args ...interface{}) {
	write(IMPORTANT, format, args...)
}

func Warning(format string, args ...interface{}) {
	write(WARNING, format, args...)
}

func Error(format string, args ...interface{}) {
	write(ERROR, format, args...)
}

// Fatal logs at FATAL level and terminates the process with the given exit
// code, per the exit-code policy of spec.md §7 (51 invalid ACME email, 1
// uncaught exception, 2 unhandled rejection, 3 startup failure).
func Fatal(code int, format string, args ...interface{}) {
	write(FATAL, format, args...)
	os.Exit(code)
}

func Success(format string, args ...interface{}) {
	write(SUCCESS, format, args...)
}

func write(lvl int, format string, args ...interface{}) {
	mtxLog.Lock()
	defer mtxLog.Unlock()
	fmt.Fprint(stdout, formatMsg(lvl, format+"\n", args...))
}

func formatMsg(lvl int, format string, args ...interface{}) string {
	t := time.Now()
	var sign, msg *color.Color
	switch lvl {
	case DEBUG:
		sign = color.New(color.FgBlack, color.BgHiBlack)
		msg = color.New(color.Reset, color.FgHiBlack)
	case INFO:
		sign = color.New(color.FgGreen, color.BgBlack)
		msg = color.New(color.Reset)
	case IMPORTANT:
		sign = color.New(color.FgWhite, color.BgHiBlue)
		msg = color.New(color.Reset)
	case WARNING:
		sign = color.New(color.FgBlack, color.BgYellow)
		msg = color.New(color.Reset)
	case ERROR:
		sign = color.New(color.FgWhite, color.BgRed)
		msg = color.New(color.Reset, color.FgRed)
	case FATAL:
		sign = color.New(color.FgBlack, color.BgRed)
		msg = color.New(color.Reset, color.FgRed, color.Bold)
	case SUCCESS:
		sign = color.New(color.FgWhite, color.BgGreen)
		msg = color.New(color.Reset, color.FgGreen)
	}
	timeClr := color.New(color.Reset)
	return "\r[" + timeClr.Sprintf("%02d:%02d:%02d", t.Hour(), t.Minute(), t.Second()) + "] [" + sign.Sprintf("%s", levelLabels[lvl]) + "] " + msg.Sprintf(format, args...)
}
