// Package logging builds the loggers the authentication engine writes to.
package logging

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// Sinks holds the two log streams of the engine. Detail receives a record
// per decision point and is silent unless detailed logging is on. Errors
// receives configuration and runtime failures.
type Sinks struct {
	Detail hclog.Logger
	Errors hclog.Logger
}

// Options configures New.
type Options struct {
	Level    string
	JSON     bool
	Detailed bool
	Output   io.Writer
}

// New returns sinks writing to opts.Output, or stderr.
func New(opts Options) Sinks {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	root := hclog.New(&hclog.LoggerOptions{
		Name:       "ldapauth",
		Level:      hclog.LevelFromString(opts.Level),
		Output:     out,
		JSONFormat: opts.JSON,

		IndependentLevels: true,
	})

	detail := hclog.NewNullLogger()
	if opts.Detailed {
		detail = root.Named("detail")
		detail.SetLevel(hclog.Debug)
	}
	return Sinks{Detail: detail, Errors: root.Named("authentication")}
}

// Discard returns sinks that drop everything.
func Discard() Sinks {
	return Sinks{Detail: hclog.NewNullLogger(), Errors: hclog.NewNullLogger()}
}
