package main

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	appLog   = newLogger("app")
	phoneLog = newLogger("phone")
	sipLog   = newLogger("sip")
	audioLog = newLogger("audio")

	logFile *lumberjack.Logger
)

func newLogger(name string) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetOutput(io.Discard)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	logger.AddHook(&writerHook{Writer: os.Stdout, LogLevels: availableLevels(logrus.InfoLevel)})
	return logger.WithField("name", name)
}

// initFileLogging attaches a rotating log file next to the user config.
// Loggers work without it, so tests stay console only.
func initFileLogging(dir string, debug bool) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	logFile = &lumberjack.Logger{
		Filename:   filepath.Join(dir, "webphone.log"),
		MaxSize:    20, // megabytes
		MaxBackups: 2,
	}
	level := logrus.InfoLevel
	if debug {
		level = logrus.DebugLevel
	}
	for _, e := range []*logrus.Entry{appLog, phoneLog, sipLog, audioLog} {
		e.Logger.SetLevel(level)
		e.Logger.AddHook(&writerHook{Writer: logFile, LogLevels: availableLevels(level)})
	}
	return nil
}

// closeLogging flushes and closes the log file.
func closeLogging() {
	if logFile != nil {
		_ = logFile.Close()
	}
}

// writerHook writes logs to the specified writer for provided levels.
type writerHook struct {
	Writer    io.Writer
	LogLevels []logrus.Level
}

func (h *writerHook) Fire(e *logrus.Entry) error {
	line, err := e.String()
	if err != nil {
		return err
	}
	_, err = h.Writer.Write([]byte(line))
	return err
}

func (h *writerHook) Levels() []logrus.Level {
	return h.LogLevels
}

func availableLevels(min logrus.Level) []logrus.Level {
	levels := []logrus.Level{}
	for _, l := range logrus.AllLevels {
		if l <= min {
			levels = append(levels, l)
		}
	}
	return levels
}
