package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chalabi2/rpcproxyd/internal/config"
	"github.com/chalabi2/rpcproxyd/internal/daemon"
)

// version is set at build time via -ldflags; left as a default for
// development builds.
var version = "dev"

func newRootCmd() *cobra.Command {
	var (
		workdir string
		devLogs bool
	)

	root := &cobra.Command{
		Use:   "rpcproxyd",
		Short: "Per-user local JSON-RPC proxy daemon",
	}
	root.PersistentFlags().StringVar(&workdir, "workdir", defaultWorkdir(), "directory holding the four network configuration files")
	root.PersistentFlags().BoolVar(&devLogs, "dev-logs", false, "use human-readable development logging instead of JSON")

	root.AddCommand(newRunCmd(&workdir, &devLogs))
	root.AddCommand(newVersionCmd())
	root.AddCommand(newValidateConfigCmd(&workdir))

	return root
}

func newRunCmd(workdir *string, devLogs *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the daemon: four proxy ports, the admin port, and the network monitors",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := buildLogger(*devLogs)
			if err != nil {
				return err
			}
			defer log.Sync()

			d, err := daemon.New(*workdir, log)
			if err != nil {
				return fmt.Errorf("building daemon: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.Info("rpcproxyd starting", zap.String("workdir", *workdir), zap.String("version", version))
			return d.Run(ctx)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func newValidateConfigCmd(workdir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate every network's configuration file without starting any listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			for network, fileName := range daemon.ConfigFileNames {
				path := filepath.Join(*workdir, fileName)
				if _, err := config.Load(network, path); err != nil {
					return fmt.Errorf("%s: %w", network, err)
				}
				fmt.Printf("%s: OK\n", network)
			}
			return nil
		},
	}
}

func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func defaultWorkdir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".rpcproxyd")
}
