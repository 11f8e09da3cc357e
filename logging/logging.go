// Package logging centralizes structured logging for every Forge
// component. An OutputSplitter routes error lines to stderr and
// everything else to stdout, so container log collectors can treat the
// two streams with different priority.
package logging

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes logrus output to stderr for error-level lines and
// stdout for everything else, based on the formatted "level=error" marker.
type OutputSplitter struct{}

func (OutputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Root is the process-wide logger every component derives its
// *logrus.Entry from via WithComponent.
var Root = logrus.New()

func init() {
	Root.SetOutput(OutputSplitter{})
}

// WithComponent returns a *logrus.Entry tagged with component=name, the
// field every Forge component logs under.
func WithComponent(name string) *logrus.Entry {
	return Root.WithField("component", name)
}

// SetLevel parses and applies a log level by name (e.g. from
// BUILDER_LOG_LEVEL), defaulting to info on an unrecognized value.
func SetLevel(name string) {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Root.SetLevel(lvl)
}

// SetJSON switches between the text and JSON formatters, driven by the
// deployment environment (development vs. production).
func SetJSON(enabled bool) {
	if enabled {
		Root.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	Root.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
