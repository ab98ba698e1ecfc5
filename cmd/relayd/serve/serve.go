/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Include pprof for debugging, its only enabled when --with-pprof is given.
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	systemDaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pixelrisewebco/relayd/cmd/relayd/common"
	"github.com/pixelrisewebco/relayd/internal/ipc"
	"github.com/pixelrisewebco/relayd/server"
	"github.com/pixelrisewebco/relayd/server/smtp/relay"
)

// Default param values used by this command.
var (
	DefaultLogTimestamp     = true
	DefaultLogLevel         = "info"
	DefaultSystemdNotify    = false
	DefaultHostname         = ""
	DefaultDAgentListenAddr = "127.0.0.1:10025"
	DefaultHTTPListenAddr   = "127.0.0.1:8025"
	DefaultKeysPath         = os.Getenv("RELAYD_DEFAULT_KEYS_PATH")
	DefaultRelayConfig      = os.Getenv("RELAYD_DEFAULT_RELAY_CONFIG")
	DefaultDKIMSelector     = relay.DefaultDKIMSelector
	DefaultDKIMPolicy       = string(relay.PolicyOptional)
	DefaultSMTPPort         = 25
	DefaultConnectTimeout   = 30 * time.Second
	DefaultCommandTimeout   = 1 * time.Minute
	DefaultDataTimeout      = 5 * time.Minute
	DefaultStatePath        = os.Getenv("RELAYD_DEFAULT_STATE_PATH")
	DefaultLMTP             = false
	DefaultWithPprof        = false
	DefaultPprofListenAddr  = "127.0.0.1:6060"
)

func init() {
	envDefaultDAgentListenAddr := os.Getenv("RELAYD_DEFAULT_DAGENT_LISTEN")
	if envDefaultDAgentListenAddr != "" {
		DefaultDAgentListenAddr = envDefaultDAgentListenAddr
	}

	envDefaultHTTPListenAddr := os.Getenv("RELAYD_DEFAULT_HTTP_LISTEN")
	if envDefaultHTTPListenAddr != "" {
		DefaultHTTPListenAddr = envDefaultHTTPListenAddr
	}

	if DefaultHostname == "" {
		DefaultHostname, _ = os.Hostname()
	}

	if DefaultStatePath == "" {
		DefaultStatePath, _ = os.Getwd()
	}
}

func CommandServe() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve [...args]",
		Short: "Start service",
		Run: func(cmd *cobra.Command, args []string) {
			if err := serve(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				var exitCodeErr *ErrorWithExitCode
				if errors.As(err, &exitCodeErr) {
					os.Exit(exitCodeErr.Code)
				} else {
					os.Exit(1)
				}
			}
		},
	}

	serveCmd.Flags().BoolVar(&DefaultLogTimestamp, "log-timestamp", DefaultLogTimestamp, "Prefix each log line with timestamp")
	serveCmd.Flags().StringVar(&DefaultLogLevel, "log-level", DefaultLogLevel, "Log level (one of panic, fatal, error, warn, info or debug)")
	serveCmd.Flags().BoolVar(&DefaultSystemdNotify, "systemd-notify", DefaultSystemdNotify, "Enable systemd sd_notify callback")
	serveCmd.Flags().StringVar(&DefaultHostname, "hostname", DefaultHostname, "Hostname presented in EHLO to remote mail exchangers")
	serveCmd.Flags().StringVar(&DefaultDAgentListenAddr, "dagent-listen", DefaultDAgentListenAddr, "TCP listen address for SMTP delivery agent")
	serveCmd.Flags().StringVar(&DefaultHTTPListenAddr, "http-listen", DefaultHTTPListenAddr, "TCP listen address for HTTP API")
	serveCmd.Flags().StringVar(&DefaultKeysPath, "keys-path", DefaultKeysPath, "Path to the folder containing per domain DKIM key files")
	serveCmd.Flags().StringVar(&DefaultRelayConfig, "relay-config", DefaultRelayConfig, "Full path to relay YAML configuration file")
	serveCmd.Flags().StringVar(&DefaultDKIMSelector, "dkim-selector", DefaultDKIMSelector, "DKIM selector for keys loaded from keys-path")
	serveCmd.Flags().StringVar(&DefaultDKIMPolicy, "dkim-policy", DefaultDKIMPolicy, "DKIM sign policy (one of optional or require)")
	serveCmd.Flags().IntVar(&DefaultSMTPPort, "smtp-port", DefaultSMTPPort, "Destination port for outbound SMTP")
	serveCmd.Flags().DurationVar(&DefaultConnectTimeout, "connect-timeout", DefaultConnectTimeout, "Timeout for connecting to remote mail exchangers")
	serveCmd.Flags().DurationVar(&DefaultCommandTimeout, "command-timeout", DefaultCommandTimeout, "Timeout for individual SMTP commands")
	serveCmd.Flags().DurationVar(&DefaultDataTimeout, "data-timeout", DefaultDataTimeout, "Timeout for the SMTP DATA phase")
	serveCmd.Flags().StringVar(&DefaultStatePath, "state-path", DefaultStatePath, "Full path to writable state directory")
	serveCmd.Flags().BoolVar(&DefaultLMTP, "lmtp", DefaultLMTP, "Use LMTP for the local delivery agent listener")
	serveCmd.Flags().BoolVar(&DefaultWithPprof, "with-pprof", DefaultWithPprof, "With pprof enabled")
	serveCmd.Flags().StringVar(&DefaultPprofListenAddr, "pprof-listen", DefaultPprofListenAddr, "TCP listen address for pprof")

	return serveCmd
}

func serve(cmd *cobra.Command, args []string) error {
	bs := &bootstrap{}
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		bs.Wait()
	}()

	err := bs.configure(ctx, cmd, args)
	if err != nil {
		return StartupError(err)
	}

	return bs.srv.Serve(ctx)
}

type bootstrap struct {
	sync.WaitGroup

	logger logrus.FieldLogger

	srv *server.Server
}

func (bs *bootstrap) configure(ctx context.Context, cmd *cobra.Command, args []string) error {
	if err := common.ApplyFlagsFromEnvFile(cmd, nil); err != nil {
		return err
	}

	logger, err := newLogger(!DefaultLogTimestamp, DefaultLogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	bs.logger = logger

	logger.Debugln("serve start")

	if DefaultHostname == "" {
		return fmt.Errorf("hostname must not be empty")
	}

	dkimPolicy, err := relay.ParseSignPolicy(DefaultDKIMPolicy)
	if err != nil {
		return err
	}

	if DefaultStatePath == "" {
		return fmt.Errorf("state-path must not be empty")
	}
	if info, statErr := os.Stat(DefaultStatePath); statErr != nil || !info.IsDir() {
		return fmt.Errorf("state-path error or not a directory: %w", statErr)
	}

	var withStatus bool

	cfg := &server.Config{
		Logger: logger,

		OnReady: func(srv *server.Server) {
			if DefaultSystemdNotify {
				ok, notifyErr := systemDaemon.SdNotify(false, systemDaemon.SdNotifyReady)
				logger.WithField("ok", ok).Debugln("called systemd sd_notify ready")
				if notifyErr != nil {
					logger.WithError(notifyErr).Errorln("failed to trigger systemd sd_notify")
				}
			}
		},
		OnStatus: func(srv *server.Server) {
			if !withStatus {
				withStatus = true
				bs.Add(1)
				go func() {
					defer bs.Done()
					<-ctx.Done()
					statusErr := clearStatus()
					if statusErr != nil {
						logger.WithError(statusErr).Errorln("failed to clear status")
					}
				}()
			}

			onStatus(srv)
		},

		Hostname: DefaultHostname,

		DAgentListenAddress: DefaultDAgentListenAddr,
		HTTPListenAddress:   DefaultHTTPListenAddr,

		KeysPath:        DefaultKeysPath,
		RelayConfigFile: DefaultRelayConfig,
		DKIMSelector:    DefaultDKIMSelector,
		DKIMPolicy:      dkimPolicy,

		SMTPPort:       DefaultSMTPPort,
		ConnectTimeout: DefaultConnectTimeout,
		CommandTimeout: DefaultCommandTimeout,
		DataTimeout:    DefaultDataTimeout,

		LMTP: DefaultLMTP,
	}

	cfg.StatePath, err = filepath.Abs(DefaultStatePath)
	if err != nil {
		return fmt.Errorf("state-path invalid: %w", err)
	}

	ipc.MustInitializeStatusSHM(cfg.StatePath, "")

	bs.srv, err = server.NewServer(cfg)
	if err != nil {
		return err
	}

	// Profiling support.
	withPprof, _ := cmd.Flags().GetBool("with-pprof")
	pprofListenAddr, _ := cmd.Flags().GetString("pprof-listen")
	if withPprof && pprofListenAddr != "" {
		runtime.SetMutexProfileFraction(5)
		go func() {
			pprofListen := pprofListenAddr
			logger.WithField("listenAddr", pprofListen).Infoln("pprof enabled, starting listener")
			if listenErr := http.ListenAndServe(pprofListen, nil); listenErr != nil {
				logger.WithError(listenErr).Errorln("unable to start pprof listener")
			}
		}()
	}

	return nil
}
