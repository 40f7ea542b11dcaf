package log

import (
	"fmt"
	"strings"
)

// Format is a logging format. It implements pflag.Value, so it can be bound
// to a command line flag directly.
type Format uint

const (
	// FmtLogfmt is the "logfmt" logging format.
	FmtLogfmt Format = iota
	// FmtJSON is the JSON logging format.
	FmtJSON
)

var formatNames = map[string]Format{
	"LOGFMT": FmtLogfmt,
	"TEXT":   FmtLogfmt,
	"JSON":   FmtJSON,
}

// String returns the string representation of a Format.
func (f *Format) String() string {
	switch *f {
	case FmtLogfmt:
		return "logfmt"
	case FmtJSON:
		return "JSON"
	default:
		panic("logging: unsupported format")
	}
}

// Set parses s into f. An empty s leaves f unchanged.
func (f *Format) Set(s string) error {
	if s == "" {
		return nil
	}
	format, ok := formatNames[strings.ToUpper(s)]
	if !ok {
		return fmt.Errorf("logging: invalid log format: '%s'", s)
	}
	*f = format
	return nil
}

// Type returns the list of supported Formats.
func (f *Format) Type() string {
	return "[logfmt,JSON]"
}
