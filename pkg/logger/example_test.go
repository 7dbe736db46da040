package logger_test

import (
	"fmt"
	"os"

	"github.com/ethan/screencaster/pkg/logger"
)

// Example showing basic logger usage
func ExampleLogger_basic() {
	// Create logger with default config
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatText

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// Basic logging
	log.Info("pipeline started", "version", "1.0.0")
	log.Warn("falling back to mdns-only discovery", "reason", "no manual bundle provided")
	log.Error("failed to connect", "error", "connection timeout")
}

// Example showing debug category usage
func ExampleLogger_categories() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelDebug
	cfg.EnableCategory(logger.DebugDecode)
	cfg.EnableCategory(logger.DebugSync)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// Generic category logging
	log.DebugDecode("access unit decoded", "size", 1200)
	log.DebugSync("frame released", "pts", 15234)
}

// Example showing command-line flags integration
func ExampleFlags() {
	// In main.go:
	// import (
	//     "flag"
	//     "github.com/ethan/screencaster/pkg/logger"
	// )
	//
	// fs := flag.NewFlagSet("myapp", flag.ExitOnError)
	// logFlags := logger.RegisterFlags(fs)
	// fs.Parse(os.Args[1:])
	//
	// logConfig, _ := logFlags.ToConfig()
	// log, _ := logger.New(logConfig)
	// defer log.Close()

	fmt.Println("See cmd/receiver/main.go for complete example")
}

// Example showing JSON format output
func ExampleLogger_json() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatJSON
	cfg.OutputFile = "app.json"

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()
	defer os.Remove("app.json") // Cleanup

	log.Info("peer connected",
		"peer_id", "12345",
		"remote_addr", "192.168.1.1",
		"duration_ms", 250)

	// Output will be in JSON format:
	// {"time":"...","level":"INFO","msg":"peer connected","peer_id":"12345","remote_addr":"192.168.1.1","duration_ms":250}
}

// Example showing conditional debug logging
func ExampleLogger_conditional() {
	cfg := logger.NewConfig()
	cfg.EnableCategory(logger.DebugDecode)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// Category methods automatically check if enabled.
	// No manual check needed - zero cost if disabled.
	log.DebugDecode("corrupt access unit discarded", "reason", "depacketize error")
}

func computeExpensiveStats() string {
	return "expensive computation result"
}
