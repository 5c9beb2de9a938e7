// Package commands implements the stocketl command line interface.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"
	"go.trai.ch/zerr"

	"github.com/aristath/stocketl/internal/config"
)

// CLI represents the command line interface for stocketl.
type CLI struct {
	rootCmd    *cobra.Command
	stdout     io.Writer
	stderr     io.Writer
	configPath string

	cfg    *config.PipelineConfig
	logger *slog.Logger
}

// New creates the CLI writing command output to stdout and logs to stderr.
func New(stdout, stderr io.Writer) *CLI {
	c := &CLI{stdout: stdout, stderr: stderr}

	rootCmd := &cobra.Command{
		Use:               "stocketl",
		Short:             "Extract, transform and load stock market data",
		SilenceUsage:      true,
		SilenceErrors:     true,
		Version:           Version,
		PersistentPreRunE: c.loadConfig,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	rootCmd.InitDefaultVersionFlag()
	rootCmd.Flags().Lookup("version").Usage = "Print the application version"

	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "",
		"Config file (default: ~/.stocketl/config.* merged with .stocketl/config.*)")

	rootCmd.AddCommand(c.newRunCmd())
	rootCmd.AddCommand(c.newScheduleCmd())
	rootCmd.AddCommand(c.newHistoryCmd())
	rootCmd.AddCommand(c.newVersionCmd())

	c.rootCmd = rootCmd
	return c
}

// Execute runs the root command with the given context.
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments for the root command. Used for testing.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

func (c *CLI) loadConfig(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "version" {
		return nil
	}

	var err error
	if c.configPath != "" {
		c.cfg, err = config.LoadFile(c.configPath)
	} else {
		c.cfg, err = config.LoadDefault()
	}
	if err != nil {
		return err
	}

	c.logger, err = newLogger(c.cfg.Logging, c.stderr)
	return err
}

func newLogger(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// LogError logs err with the metadata attached anywhere in its chain.
func (c *CLI) LogError(err error) {
	if err == nil {
		return
	}
	logger := c.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(c.stderr, nil))
	}
	logger.Error("stocketl failed", append([]any{"error", err}, errorAttrs(err)...)...)
}

// errorAttrs flattens zerr metadata from err's chain into slog key/value
// pairs, sorted by key. The outermost value of a key wins.
func errorAttrs(err error) []any {
	meta := make(map[string]any)
	var walk func(error)
	walk = func(e error) {
		if e == nil {
			return
		}
		if ze, ok := e.(*zerr.Error); ok {
			for k, v := range ze.Metadata() {
				if _, dup := meta[k]; !dup {
					meta[k] = v
				}
			}
		}
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(u.Unwrap())
		}
	}
	walk(err)

	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		attrs = append(attrs, k, fmt.Sprint(meta[k]))
	}
	return attrs
}
