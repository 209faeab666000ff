package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"difflsp/internal/config"
	"difflsp/internal/metrics"
	"difflsp/internal/server"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

// Version will be set during the build process using ldflags
var Version = "(dev) v0.0.0"

var (
	verbosity   int
	logfile     string
	configPath  string
	tcpAddr     string
	wsAddr      string
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "difflsp",
	Short: "Language server for diff buffers",
	Long: `difflsp serves hover, definition, type definition and references on
magit-status and code-review diff buffers by forwarding them to the real
language server of each file in the diff.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve one editor session (default)",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("difflsp version %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Log verbosity (repeat for more)")
	rootCmd.PersistentFlags().StringVar(&logfile, "logfile", "", "Path to log file (default: stderr)")

	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&configPath, "config", "", "Config file (default: difflsp.{yaml,toml,json} in the config dir)")
		cmd.Flags().StringVar(&tcpAddr, "tcp", "", "Listen for one editor connection on this TCP address")
		cmd.Flags().StringVar(&wsAddr, "websocket", "", "Listen for one editor connection on this WebSocket address")
		cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Expose prometheus metrics on this address")
		cmd.MarkFlagsMutuallyExclusive("tcp", "websocket")
	}

	rootCmd.AddCommand(serveCmd, parseCmd, versionCmd)
}

func configureLogging() {
	var path *string
	if logfile != "" {
		path = &logfile
	}
	commonlog.Configure(verbosity, path)
}

func runServe(cmd *cobra.Command, args []string) error {
	// 4 Cores
	runtime.GOMAXPROCS(4)

	configureLogging()
	log := commonlog.GetLogger("difflsp")

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if metricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, metricsAddr); err != nil {
				log.Errorf("metrics: %v", err)
			}
		}()
	}

	s := server.NewServer(cfg, Version)
	switch {
	case tcpAddr != "":
		err = s.RunTCP(tcpAddr)
	case wsAddr != "":
		err = s.RunWebSocket(wsAddr)
	default:
		err = s.RunStdio()
	}
	if err != nil {
		return err
	}

	cancel()
	if !s.ShutdownReceived() {
		os.Exit(1)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "difflsp: %v\n", err)
		os.Exit(1)
	}
}
