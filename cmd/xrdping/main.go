// Command xrdping probes one or more xrootd endpoints through the client
// runtime: connect, handshake, log in, ping, and report the server type.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/xrdclient/xrdclient/client"
	"github.com/xrdclient/xrdclient/config"
	"github.com/xrdclient/xrdclient/logger"
	"github.com/xrdclient/xrdclient/protocol"
	"github.com/xrdclient/xrdclient/version"
)

var args struct {
	timeout    time.Duration
	logLevel   string
	configFile string
}

var rootCmd = &cobra.Command{
	Use:   "xrdping endpoint...",
	Short: "ping xrootd endpoints",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, positional []string) error {
		level, err := logger.ParseLevel(args.logLevel)
		if err != nil {
			return err
		}
		logger.SetDefault(logger.NewStderrLogger(level))

		file, err := config.ParseConfigFile(args.configFile)
		if err != nil {
			return err
		}
		config.Default().ApplyFile(file)

		defer client.Finalize()

		var g errgroup.Group
		for _, endpoint := range positional {
			endpoint := endpoint
			g.Go(func() error {
				return ping(endpoint)
			})
		}
		return g.Wait()
	},
}

func ping(endpoint string) error {
	fs, err := client.NewFileSystem(endpoint, nil)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := fs.Ping(args.timeout); err != nil {
		return fmt.Errorf("%s: %s", fs.URL().HostID(), err)
	}
	rtt := time.Since(start)

	info, err := fs.Protocol(args.timeout)
	if err != nil {
		return fmt.Errorf("%s: %s", fs.URL().HostID(), err)
	}

	fmt.Printf("%s: ok rtt=%s protocol=%#x %s\n", fs.URL().HostID(), rtt,
		info.Version, protocol.ServerFlagsString(info.Flags))
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version information",
	Run: func(cmd *cobra.Command, positional []string) {
		fmt.Println(version.NewVersionInformation().String())
	},
}

func init() {
	var f *pflag.FlagSet = rootCmd.Flags()
	f.DurationVar(&args.timeout, "timeout", 30*time.Second, "per-request timeout")
	f.StringVar(&args.logLevel, "log-level", "warn", "log level (debug|info|warn|error)")
	f.StringVar(&args.configFile, "config", "", "path to the config file")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
