package logger

import (
	"flag"
	"fmt"
	"strings"
)

// debugFlag implements flag.Value so "-debug" can be repeated or given a
// comma list (-debug capture,encode -debug sync), accumulating into one
// set of category names.
type debugFlag struct {
	categories []string
}

func (d *debugFlag) String() string {
	return strings.Join(d.categories, ",")
}

func (d *debugFlag) Set(value string) error {
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			d.categories = append(d.categories, part)
		}
	}
	return nil
}

// Flags holds all logging-related command-line flags
type Flags struct {
	LogLevel  string
	LogFormat string
	LogFile   string
	Debug     debugFlag
}

// RegisterFlags registers logging flags with the given FlagSet
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info",
		"Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text",
		"Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "",
		"Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "",
		"Log output file path (shorthand)")

	fs.Var(&f.Debug, "debug",
		"Enable per-stage debug logging; repeatable or comma-separated "+
			"(capture, encode, transmit, receive, reorder, decode, sync, "+
			"signalling, all)")

	return f
}

var categoryByName = map[string]DebugCategory{
	"capture":    DebugCapture,
	"encode":     DebugEncode,
	"transmit":   DebugTransmit,
	"receive":    DebugReceive,
	"reorder":    DebugReorder,
	"decode":     DebugDecode,
	"sync":       DebugSync,
	"signalling": DebugSignalling,
	"all":        DebugAll,
}

// ToConfig converts Flags to a logger Config
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	cfg.OutputFile = f.LogFile

	for _, name := range f.Debug.categories {
		category, ok := categoryByName[name]
		if !ok {
			return nil, fmt.Errorf("invalid debug category: %s", name)
		}
		cfg.EnableCategory(category)
		cfg.Level = LevelDebug
	}

	return cfg, nil
}

// PrintUsageExamples prints usage examples for logging flags
func PrintUsageExamples() {
	examples := `
Logging Examples:

  Basic usage (INFO level, text format to stdout):
    ./receiver

  Enable DEBUG level:
    ./receiver --log-level debug
    ./receiver -l debug

  Log to file:
    ./receiver --log-file receiver.log
    ./receiver -o receiver.log

  JSON format for structured logging:
    ./receiver --log-format json -o receiver.json

  Debug one stage:
    ./receiver --debug decode

  Debug multiple stages:
    ./receiver --debug decode,sync --debug receive

  Debug everything:
    ./receiver --debug all -o debug.log

  Production logging (WARN level, JSON to file):
    ./receiver -l warn --log-format json -o production.log
`
	fmt.Println(examples)
}

// String returns a string representation of enabled flags
func (f *Flags) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	if len(f.Debug.categories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(f.Debug.categories, ",")))
	}

	return strings.Join(parts, " ")
}
