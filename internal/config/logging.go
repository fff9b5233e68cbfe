package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

// SetupLogging points the standard logger at stderr and, when OutputPath is
// set, at that file as well. The debug level adds file:line to every line.
// The returned func closes the log file.
func SetupLogging(cfg LoggingConfig) (func(), error) {
	flags := log.LstdFlags | log.Lmicroseconds
	if cfg.Level == "debug" {
		flags |= log.Lshortfile
	}
	log.SetFlags(flags)

	if cfg.OutputPath == "" {
		log.SetOutput(os.Stderr)
		return func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.OutputPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(cfg.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return func() {
		log.SetOutput(os.Stderr)
		_ = f.Close()
	}, nil
}
