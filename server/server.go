/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"

	"github.com/pixelrisewebco/relayd/server/smtp/dagent"
	"github.com/pixelrisewebco/relayd/server/smtp/provider/ses"
	"github.com/pixelrisewebco/relayd/server/smtp/relay"
	"github.com/pixelrisewebco/relayd/utils"
)

// Server is the relay service implementation. It runs the local submission
// agent and the HTTP API, both feeding the outbound delivery pipeline.
type Server struct {
	config     *Config
	fileConfig *FileConfig

	logger logrus.FieldLogger

	signer    *relay.Signer
	deliverer *relay.Deliverer
	DAgent    *dagent.DAgent

	events *utils.Broadcaster

	status    *Status
	attempted uint64
	delivered uint64
	failed    uint64
}

// NewServer constructs a server from the provided parameters.
func NewServer(c *Config) (*Server, error) {
	s := &Server{
		config: c,
		logger: c.Logger,

		events: utils.NewBroadcaster(),
	}

	fileConfig, err := LoadFileConfig(c.RelayConfigFile)
	if err != nil {
		return nil, err
	}
	s.fileConfig = fileConfig

	ring, err := s.loadKeyRing()
	if err != nil {
		return nil, err
	}
	s.signer = relay.NewSigner(ring, s.logger)

	var smarthost relay.Smarthost
	if fileConfig.Smarthost != nil {
		smarthost, err = s.newSmarthost(fileConfig.Smarthost)
		if err != nil {
			return nil, err
		}
	}

	s.deliverer, err = relay.NewDeliverer(&relay.DelivererConfig{
		Logger: s.logger,

		Resolver: relay.NewNetResolver(s.logger),
		Signer:   s.signer,

		SignPolicy: c.DKIMPolicy,
		HELODomain: c.Hostname,

		Port:           c.SMTPPort,
		ConnectTimeout: c.ConnectTimeout,
		CommandTimeout: c.CommandTimeout,
		DataTimeout:    c.DataTimeout,

		Smarthost: smarthost,

		OnResult: s.onDeliveryResult,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create deliverer: %w", err)
	}

	dagentConfig := &dagent.Config{
		Context: context.Background(),
		Logger:  s.logger,
		Router:  s,
		LMTP:    c.LMTP,

		ReadTimeout:  10 * time.Minute,
		WriteTimeout: 10 * time.Minute,

		MaxMessageBytes: 32 * 1024 * 1024,
		MaxRecipients:   100,
	}

	s.DAgent, err = dagent.New(dagentConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create dagent server: %w", err)
	}

	startedAt := time.Now()
	s.status = &Status{
		Hostname: c.Hostname,

		DAgentListenAddress: c.DAgentListenAddress,
		HTTPListenAddress:   c.HTTPListenAddress,

		DKIMPolicy: string(c.DKIMPolicy),

		StartedAt: &startedAt,
	}
	if smarthost != nil {
		s.status.Smarthost = smarthost.Name()
	}

	return s, nil
}

// Logger returns the server logger.
func (server *Server) Logger() logrus.FieldLogger {
	return server.logger
}

// Deliverer exposes the outbound pipeline of this server.
func (server *Server) Deliverer() *relay.Deliverer {
	return server.deliverer
}

func (server *Server) newSmarthost(fileSmarthost *FileSmarthost) (relay.Smarthost, error) {
	switch fileSmarthost.Provider {
	case "ses":
		return ses.New(context.Background(), &ses.Config{
			Logger: server.logger,

			Region:          fileSmarthost.Region,
			AccessKeyID:     fileSmarthost.AccessKeyID,
			SecretAccessKey: fileSmarthost.SecretAccessKey,
		})
	default:
		return nil, fmt.Errorf("unknown smarthost provider: %s", fileSmarthost.Provider)
	}
}

func (server *Server) loadKeyRing() (*relay.KeyRing, error) {
	var sources []relay.KeySource

	if server.config.KeysPath != "" {
		dirSources, err := relay.DirKeySources(server.config.KeysPath, server.config.DKIMSelector)
		if err != nil {
			return nil, err
		}
		sources = append(sources, dirSources...)
	}

	sources = append(sources, server.fileConfig.KeySources()...)

	ring, err := relay.LoadKeyRing(sources)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key ring: %w", err)
	}

	server.logger.WithField("domains", ring.Domains()).Infoln("DKIM key ring loaded")
	return ring, nil
}

func (server *Server) reloadKeyRing() {
	ring, err := server.loadKeyRing()
	if err != nil {
		server.logger.WithError(err).Errorln("failed to reload DKIM key ring, keeping current")
		return
	}

	server.signer.Reload(ring)
	server.onStatus()
}

func (server *Server) onDeliveryResult(result *relay.DeliveryResult) {
	atomic.AddUint64(&server.attempted, 1)
	if result.Success {
		atomic.AddUint64(&server.delivered, 1)
	} else {
		atomic.AddUint64(&server.failed, 1)
	}

	server.events.Broadcast(result)
	server.onStatus()
}

func (server *Server) onStatus() {
	if server.config.OnStatus != nil {
		server.config.OnStatus(server)
	}
}

// Mail is the dagent router policy hook, all senders of the trusted local
// listener are accepted.
func (server *Server) Mail(from string, opts smtp.MailOptions) error {
	return nil
}

// GetRoute prepares a delivery route for a submitted message, applying the
// DKIM sign policy once so the signed bytes are shared by all recipient
// domains of the transaction.
func (server *Server) GetRoute(from string, data []byte) (dagent.Route, error) {
	prepared, err := server.deliverer.PrepareRaw(from, data)
	if err != nil {
		return nil, err
	}

	return &Route{
		logger: server.logger,
		server: server,

		from: from,
		data: prepared,
	}, nil
}

// Serve starts all the associated server resources and listeners and blocks
// until a signal or error occurs.
func (server *Server) Serve(ctx context.Context) error {
	var err error

	errCh := make(chan error, 2)
	exitCh := make(chan struct{}, 1)
	signalCh := make(chan os.Signal, 1)
	readyCh := make(chan struct{}, 1)

	serveCtx, serveCtxCancel := context.WithCancel(ctx)
	defer serveCtxCancel()

	logger := server.logger

	go func() {
		select {
		case <-serveCtx.Done():
			return
		case <-readyCh:
		}
		logger.WithField("hostname", server.config.Hostname).Infoln("ready")
		if server.config.OnReady != nil {
			server.config.OnReady(server)
		}
		server.onStatus()
	}()

	var serversWg sync.WaitGroup

	// Delivery event fan out.
	serversWg.Add(1)
	go func() {
		defer serversWg.Done()
		server.events.Start(serveCtx)
	}()

	// Start DAgent
	dagentListener, listenErr := net.Listen("tcp", server.config.DAgentListenAddress)
	if listenErr != nil {
		return fmt.Errorf("failed to create dagent listener: %w", listenErr)
	}
	serversWg.Add(1)
	go func() {
		defer serversWg.Done()
		logger.WithField("listen_addr", dagentListener.Addr()).Infoln("dagent listener started")
		serveErr := server.DAgent.Serve(dagentListener)
		if serveErr != nil {
			errCh <- serveErr
		}
	}()

	// Start HTTP API
	httpListener, listenErr := net.Listen("tcp", server.config.HTTPListenAddress)
	if listenErr != nil {
		return fmt.Errorf("failed to create http listener: %w", listenErr)
	}
	httpServer := &http.Server{
		Handler: server.HTTPHandler(),
		BaseContext: func(net.Listener) context.Context {
			return serveCtx
		},
	}
	serversWg.Add(1)
	go func() {
		defer serversWg.Done()
		logger.WithField("listen_addr", httpListener.Addr()).Infoln("http listener started")
		serveErr := httpServer.Serve(httpListener)
		if serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
	}()

	// Wait for all services to stop before closing the exit channel
	go func() {
		serversWg.Wait()
		logger.Infoln("clean relay shutdown complete")
		close(exitCh)
	}()

	// Set ready
	go func() {
		close(readyCh)
	}()

	// Wait for error or signal, with support for HUP to reload
	err = func() error {
		signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		for {
			select {
			case errFromChannel := <-errCh:
				return errFromChannel
			case reason := <-signalCh:
				if reason == syscall.SIGHUP {
					logger.Infoln("reload signal received, reloading DKIM key ring")
					server.reloadKeyRing()
					continue
				}
				logger.WithField("signal", reason).Warnln("received signal")
				return nil
			}
		}
	}()

	// Shutdown, server will stop to accept new connections.
	logger.Infoln("clean server shutdown start")

	shutdownCtx, shutdownCtxCancel := context.WithTimeout(ctx, 10*time.Second)
	go func() {
		if shutdownErr := server.DAgent.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.WithError(shutdownErr).Warn("clean dagent shutdown failed")
		} else {
			logger.Info("clean dagent shutdown complete")
		}
	}()
	go func() {
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.WithError(shutdownErr).Warn("clean http shutdown failed")
		} else {
			logger.Info("clean http shutdown complete")
		}
	}()

	// Cancel our own context and wait for all services to shutdown.
	serveCtxCancel()
	func() {
		for {
			select {
			case <-exitCh:
				logger.Infoln("clean server shutdown complete, exiting")
				return
			default:
				// Some services still running
				logger.Info("waiting services to exit")
			}
			select {
			case reason := <-signalCh:
				logger.WithField("signal", reason).Warn("received signal")
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}()

	shutdownCtxCancel() // Prevents leak.

	return err
}
