package server

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/mattn/go-isatty"
	"github.com/rclone/unbd/nbd"
	"github.com/sirupsen/logrus"
)

// fieldLogHook stamps a constant set of fields on every entry
type fieldLogHook struct {
	fields logrus.Fields
}

// Levels returns all of the levels at which this hook will be fired.
func (hook fieldLogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire adds the stored fields to entry unless already set
func (hook fieldLogHook) Fire(entry *logrus.Entry) error {
	for key, value := range hook.fields {
		if _, ok := entry.Data[key]; !ok {
			entry.Data[key] = value
		}
	}
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger builds a logger from lc. Entries go to lc.File if set,
// otherwise to stderr. They are formatted as JSON when lc.JSON is set or
// the output is not a terminal. The returned closer releases the log file.
func NewLogger(lc nbd.LogConfig, fields logrus.Fields) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()

	level := logrus.InfoLevel
	if lc.Level != "" {
		var err error
		if level, err = logrus.ParseLevel(lc.Level); err != nil {
			return nil, nil, errors.Wrap(err, "bad logging level")
		}
	}
	logger.SetLevel(level)

	var closer io.Closer = nopCloser{}
	out := os.Stderr
	if lc.File != "" {
		f, err := os.OpenFile(lc.File, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "can not open log file %s", lc.File)
		}
		out, closer = f, f
	}
	logger.SetOutput(out)

	if lc.JSON || !isatty.IsTerminal(out.Fd()) {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if len(fields) > 0 {
		logger.AddHook(fieldLogHook{fields: fields})
	}
	return logger, closer, nil
}
