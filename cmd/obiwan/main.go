// Command obiwan is a TFTP server intended for PXE booting: it serves
// files read-only from a single directory, dropping privileges after
// binding its socket.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/blitz/obiwan/internal/metrics"
	"github.com/blitz/obiwan/internal/privilege"
	"github.com/blitz/obiwan/internal/server"
	"github.com/blitz/obiwan/tftp"
)

var (
	quiet            bool
	verbose          int
	unprivilegedUser string
	listenAddr       string
	blksizeMax       uint16
	metricsAddr      string
)

var rootCmd = &cobra.Command{
	Use:          "obiwan <directory>",
	Short:        "A simple TFTP server for PXE booting",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(args[0])
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.BoolVarP(&quiet, "quiet", "q", false, "silence all output")
	flags.CountVarP(&verbose, "verbose", "v", "increase verbosity (repeatable)")
	flags.StringVar(&unprivilegedUser, "user", "nobody", "user to drop privileges to when started as root")
	flags.StringVarP(&listenAddr, "listen", "l", ":69", "address to listen on")
	flags.Uint16Var(&blksizeMax, "blksize-max", tftp.MaxBlockSizeRFC, "maximum blksize option this server will negotiate")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")
}

// configureLogging mirrors the original obiwan's stderrlog verbosity
// arithmetic: quiet suppresses everything, otherwise the base level is
// Warn and each -v lowers it by one step down to Trace.
func configureLogging() {
	if quiet {
		logrus.SetLevel(logrus.PanicLevel)
		return
	}
	level := logrus.WarnLevel + logrus.Level(verbose)
	if level > logrus.TraceLevel {
		level = logrus.TraceLevel
	}
	logrus.SetLevel(level)
}

func run(directory string) error {
	configureLogging()
	logrus.WithField("directory", directory).Debug("starting obiwan")

	result, err := privilege.Drop(unprivilegedUser, directory)
	if err != nil {
		return fmt.Errorf("obiwan: dropping privileges: %w", err)
	}
	if result.Chrooted {
		logrus.WithField("root", result.Root).Info("changed root directory")
	} else {
		logrus.WithField("directory", result.Root).Warn("serving without a chroot; insufficient permissions to confine the filesystem")
	}
	if result.SetuidTo != "" {
		logrus.WithField("user", result.SetuidTo).Info("dropped privileges")
	} else {
		logrus.Debug("not running as root; no privileges to drop")
	}

	fs := tftp.NewOSFilesystem(result.Root)

	listener, err := server.Listen(server.Config{
		ListenAddr:   listenAddr,
		Filesystem:   fs,
		MaxBlockSize: blksizeMax,
		Logger:       logrus.StandardLogger(),
	})
	if err != nil {
		return fmt.Errorf("obiwan: %w", err)
	}
	defer listener.Close()
	logrus.WithField("addr", listener.Addr().String()).Info("listening")

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
		metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.WithError(err).Warn("metrics server stopped")
			}
		}()
		defer metricsServer.Close()
		logrus.WithField("addr", metricsAddr).Info("serving metrics")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return listener.Serve(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Fatal("obiwan exiting")
	}
}
