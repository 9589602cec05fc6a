// Package cli is the clinicguard command line: the gateway server plus
// offline tools for rules, payload scanning and admin password hashes.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"clinicguard/internal/config"
)

type Config struct {
	ConfigPath string
	Out        io.Writer
	In         io.Reader
}

// ExitError carries a process exit code without an error message.
type ExitError struct {
	Code int
}

func (e ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

type runtimeState struct {
	configPath string
	debug      bool
	cfg        *config.Config
	out        io.Writer
	in         io.Reader
}

func DefaultConfig() Config {
	return Config{
		ConfigPath: os.Getenv("CLINICGUARD_CONFIG"),
		Out:        os.Stdout,
		In:         os.Stdin,
	}
}

func NewRootCommand(cfg Config) *cobra.Command {
	rt := &runtimeState{configPath: cfg.ConfigPath, out: cfg.Out, in: cfg.In}
	if rt.out == nil {
		rt.out = os.Stdout
	}
	if rt.in == nil {
		rt.in = os.Stdin
	}

	root := &cobra.Command{
		Use:           "clinicguard",
		Short:         "Request security gateway for the clinic API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "hash-password" {
				return nil
			}
			c, err := config.Load(rt.configPath)
			if err != nil {
				return err
			}
			rt.cfg = c
			return nil
		},
	}
	root.SetOut(rt.out)
	root.SetIn(rt.in)

	root.PersistentFlags().StringVarP(&rt.configPath, "config", "c", rt.configPath, "path to the YAML config file")
	root.PersistentFlags().BoolVar(&rt.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newServeCommand(rt),
		newScanCommand(rt),
		newRulesCommand(rt),
		newHashPasswordCommand(rt),
	)
	return root
}

// Execute runs the root command and maps errors to an exit code.
func Execute() int {
	err := NewRootCommand(DefaultConfig()).Execute()
	if err == nil {
		return 0
	}
	var exit ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return 1
}
