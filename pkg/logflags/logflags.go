package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var pe = false
var symbols = false
var locator = false
var unwind = false
var snapshot = false
var proc = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	} else {
		logger.Logger.Out = colorable.NewColorableStderr()
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// PE returns true if the image parser should log.
func PE() bool {
	return pe
}

// PELogger returns a logger for the pe package.
func PELogger() Logger {
	return makeFlaggableLogger(pe, Fields{"layer": "pe"})
}

// Symbols returns true if the symbol catalog should log.
func Symbols() bool {
	return symbols
}

// SymbolsLogger returns a logger for the symbol catalog.
func SymbolsLogger() Logger {
	return makeFlaggableLogger(symbols, Fields{"layer": "symbols"})
}

// Locator returns true if symbol file lookups should be logged.
func Locator() bool {
	return locator
}

// LocatorLogger returns a logger for symbol file locators, local and remote.
func LocatorLogger() Logger {
	return makeFlaggableLogger(locator, Fields{"layer": "symbols", "kind": "locator"})
}

// Unwind returns true if the stack walker should log every unwind step.
func Unwind() bool {
	return unwind
}

func UnwindLogger() Logger {
	return makeFlaggableLogger(unwind, Fields{"layer": "unwind"})
}

// Snapshot returns true if the snapshot reader and writer should log.
func Snapshot() bool {
	return snapshot
}

func SnapshotLogger() Logger {
	return makeFlaggableLogger(snapshot, Fields{"layer": "snapshot"})
}

// Proc returns true if the process model should log.
func Proc() bool {
	return proc
}

// ProcLogger returns a logger for the proc package.
func ProcLogger() Logger {
	return makeFlaggableLogger(proc, Fields{"layer": "proc"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file it names.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		f, err := os.Create(logDest)
		if err != nil {
			return fmt.Errorf("could not create log file: %w", err)
		}
		logOut = f
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "proc"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch strings.TrimSpace(logcmd) {
		case "pe":
			pe = true
		case "symbols":
			symbols = true
		case "locator":
			locator = true
		case "unwind":
			unwind = true
		case "snapshot":
			snapshot = true
		case "proc":
			proc = true
		default:
			return fmt.Errorf("unknown log layer %q", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
		logOut = nil
	}
}

var textFormatterInstance = &textFormatter{}

type textFormatter struct {
	base *logrus.TextFormatter
}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	if f.base == nil {
		f.base = &logrus.TextFormatter{
			ForceColors:     isatty.IsTerminal(os.Stderr.Fd()),
			TimestampFormat: "2006-01-02T15:04:05Z07:00",
			FullTimestamp:   true,
		}
	}
	return f.base.Format(entry)
}
