// Package cli implements the memsubstrate CLI commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/rcliao/memory-substrate/internal/config"
	"github.com/rcliao/memory-substrate/internal/governance"
	"github.com/rcliao/memory-substrate/internal/substrate"
)

var (
	configPath string
	dbPath     string
	apiKey     string
	formatFlag string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "memsubstrate",
	Short: "Tiered, governed memory for agents",
	Long:  "A tiered memory substrate: short, medium and long-term records with governance, audit and maintenance. SQLite-backed, single binary.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $MEMSUBSTRATE_CONFIG)")
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $MEMSUBSTRATE_DB or ~/.memsubstrate/memory.db)")
	RootCmd.PersistentFlags().StringVarP(&apiKey, "key", "k", "", "Caller API key (default: $MEMSUBSTRATE_KEY)")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
}

func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return os.Getenv("MEMSUBSTRATE_CONFIG")
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if path := getConfigPath(); path != "" {
		c, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		cfg = config.DefaultConfig()
	}
	applyOverrides(cfg)
	return cfg, nil
}

func applyOverrides(cfg *config.Config) {
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
}

func newLogger(c config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func openEngine(ctx context.Context) (*substrate.Engine, *config.Config) {
	cfg, err := loadConfig()
	if err != nil {
		exitErr("load config", err)
	}
	e, err := substrate.New(ctx, cfg, substrate.WithLogger(newLogger(cfg.Logging)))
	if err != nil {
		exitErr("open engine", err)
	}
	return e, cfg
}

func caller(e *substrate.Engine) governance.Caller {
	key := apiKey
	if key == "" {
		key = os.Getenv("MEMSUBSTRATE_KEY")
	}
	c, err := e.Authenticate(key)
	if err != nil {
		exitErr("authenticate", err)
	}
	return c
}

// readContent takes content from args, falling back to piped stdin.
func readContent(args []string) string {
	if len(args) > 0 {
		return strings.TrimSpace(strings.Join(args, " "))
	}
	stat, _ := os.Stdin.Stat()
	if (stat.Mode() & os.ModeCharDevice) == 0 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			exitErr("read stdin", err)
		}
		return strings.TrimSpace(string(b))
	}
	return ""
}

func parseMeta(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		exitErr("parse meta", err)
	}
	return meta
}

func printOut(w io.Writer, v any) {
	var (
		b   []byte
		err error
	)
	if formatFlag == "text" {
		b, err = json.Marshal(v)
	} else {
		b, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		exitErr("encode output", err)
	}
	fmt.Fprintln(w, string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
