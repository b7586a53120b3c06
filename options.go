package execfile

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Option configures a parse.
type Option func(*config)

type config struct {
	log         logrus.FieldLogger
	skipSymbols bool
}

// WithLogger sets the logger that receives debug events during parsing, such
// as skipped load commands or failed universal binary slices. By default
// nothing is logged.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// WithoutSymbols skips the decoding of symbol, import and export tables.
func WithoutSymbols() Option {
	return func(c *config) {
		c.skipSymbols = true
	}
}

func newConfig(opts []Option) *config {
	c := &config{log: quietLogger()}
	for _, o := range opts {
		o(c)
	}
	return c
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.Out = io.Discard
	l.Level = logrus.PanicLevel
	return logrus.NewEntry(l)
}

func (c *config) logger(format Format) logrus.FieldLogger {
	return c.log.WithField("format", format.String())
}
