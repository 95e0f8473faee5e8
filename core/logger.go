package core

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// Logger interface - minimal structured logging interface. All packages
// accept a Logger and default to NoOpLogger when none is provided.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// NoOpLogger provides a no-op logger implementation.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// ConsoleLogger writes JSON lines to stderr. Intended for local runs and
// examples; production embedders supply their own Logger.
type ConsoleLogger struct {
	out *log.Logger
}

// NewConsoleLogger creates a ConsoleLogger writing to stderr.
func NewConsoleLogger() *ConsoleLogger {
	return &ConsoleLogger{out: log.New(os.Stderr, "", 0)}
}

func (c *ConsoleLogger) log(level, msg string, fields map[string]interface{}) {
	entry := make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		entry[k] = v
	}
	entry["level"] = level
	entry["msg"] = msg
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(entry)
	if err != nil {
		c.out.Printf(`{"level":%q,"msg":%q}`, level, msg)
		return
	}
	c.out.Print(string(data))
}

func (c *ConsoleLogger) Info(msg string, fields map[string]interface{})  { c.log("info", msg, fields) }
func (c *ConsoleLogger) Error(msg string, fields map[string]interface{}) { c.log("error", msg, fields) }
func (c *ConsoleLogger) Warn(msg string, fields map[string]interface{})  { c.log("warn", msg, fields) }
func (c *ConsoleLogger) Debug(msg string, fields map[string]interface{}) { c.log("debug", msg, fields) }

var (
	_ Logger = (*NoOpLogger)(nil)
	_ Logger = (*ConsoleLogger)(nil)
)
