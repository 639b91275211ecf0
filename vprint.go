package roo

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"sync"
	"time"

	"4d63.com/tz"
)

// for tons of debug output
var verbose bool = false

var gtz *time.Location

func init() {
	var err error
	gtz, err = tz.LoadLocation("UTC")
	panicOn(err)
}

const rfc3339NanoNumericTZ0pad = "2006-01-02T15:04:05.000000000-07:00"

// pp traces only when verbose is on.
func pp(format string, a ...interface{}) {
	if verbose {
		tsPrintf(format, a...)
	}
}

func alwaysPrintf(format string, a ...interface{}) {
	tsPrintf(format, a...)
}

// tsPrintfMut prevents message interleaving in the log.
var tsPrintfMut sync.Mutex

// time-stamped printf
func tsPrintf(format string, a ...interface{}) {
	tsPrintfMut.Lock()
	printf("\n%s %s ", fileLine(3), ts())
	printf(format+"\n", a...)
	tsPrintfMut.Unlock()
}

// get timestamp for logging purposes
func ts() string {
	return time.Now().In(gtz).Format(rfc3339NanoNumericTZ0pad)
}

// so we can multi write easily, use our own printf
var ourStdout io.Writer = os.Stdout

func printf(format string, a ...interface{}) (n int, err error) {
	return fmt.Fprintf(ourStdout, format, a...)
}

func fileLine(depth int) string {
	_, fileName, fileLine, ok := runtime.Caller(depth)
	var s string
	if ok {
		s = fmt.Sprintf("%s:%d", path.Base(fileName), fileLine)
	}
	return s
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}
