// Package logging configures the process-wide diagnostic logger used by the
// bridge. It writes to a timestamped file under the user's home directory
// and maintains a "latest" symlink; stdout is never touched since it
// carries the DAP wire stream to the client.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
)

// InitFileLogger opens a timestamped log file under ~/.dlv-bridge, points
// the default logger at it, and returns the file so the caller can close it
// on shutdown. When stderr looks like an interactive terminal, diagnostic
// lines are additionally echoed there.
func InitFileLogger() (*os.File, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	logDir := filepath.Join(homeDir, ".dlv-bridge")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logFile := filepath.Join(logDir, fmt.Sprintf("session_%s.log", timestamp))

	latestLink := filepath.Join(logDir, "latest.log")
	os.Remove(latestLink) // ignore: symlink is a convenience, not load-bearing

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	os.Symlink(logFile, latestLink)

	var out io.Writer = file
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		out = io.MultiWriter(file, os.Stderr)
	}
	log.SetOutput(out)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)

	log.Printf("========================================")
	log.Printf("dlv-bridge session started at %s", time.Now().Format(time.RFC3339))
	log.Printf("log file: %s", logFile)
	log.Printf("========================================")

	return file, nil
}
