// Package main provides the CLI entry point for the SPCM remote-control
// client.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/spcmremote/spcmremote/internal/protocol"
	"github.com/spcmremote/spcmremote/internal/session"
	"github.com/spcmremote/spcmremote/internal/sysinfo"
	"github.com/spcmremote/spcmremote/internal/wizard"
)

// Exit codes.
const (
	exitError    = 1
	exitConfig   = 2
	exitRejected = 3
)

func main() {
	g := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "spcmctl",
		Short: "spcmctl - SPCM remote-control client",
		Long: `spcmctl controls a running SPCM instance over its encrypted
remote-control channel.

The instance is found by mDNS discovery or addressed explicitly with
--host and --port. Images and decay traces are received over
short-lived side channels.`,
		Version:       sysinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	g.register(rootCmd)

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(discoverCmd(g))
	rootCmd.AddCommand(versionCmd(g))
	rootCmd.AddCommand(keysCmd(g))
	rootCmd.AddCommand(commandCmd(g))
	rootCmd.AddCommand(imageCmd(g))
	rootCmd.AddCommand(traceCmd(g))
	rootCmd.AddCommand(setImageSizeCmd(g))
	rootCmd.AddCommand(shutdownCmd(g))
	rootCmd.AddCommand(consoleCmd(g))
	rootCmd.AddCommand(emulateCmd(g))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var respErr *protocol.ResponseError
	switch {
	case errors.As(err, &respErr):
		return exitRejected
	case errors.Is(err, session.ErrConfiguration), errors.Is(err, session.ErrInvalidArgument):
		return exitConfig
	default:
		return exitError
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file interactively",
		Long:  "Run the setup wizard and write a configuration file for spcmctl.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("init requires an interactive terminal")
			}
			_, err := wizard.New().Run()
			return err
		},
	}
}
