/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"
)

const (
	defaultSMTPPort       = 25
	defaultConnectTimeout = 30 * time.Second
	defaultCommandTimeout = 1 * time.Minute
	defaultDataTimeout    = 5 * time.Minute
)

// TransmitConfig bundles the transport settings of a single SMTP session.
type TransmitConfig struct {
	Logger logrus.FieldLogger

	// HELODomain is the name presented in EHLO/HELO, usually the sending
	// domain or the relay host name.
	HELODomain string

	Port int

	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	DataTimeout    time.Duration

	// TLSConfig is cloned per host for STARTTLS, ServerName is set to the
	// MX host. STARTTLS is used whenever the server advertises it.
	TLSConfig *tls.Config
}

func (cfg *TransmitConfig) port() int {
	if cfg.Port == 0 {
		return defaultSMTPPort
	}
	return cfg.Port
}

func (cfg *TransmitConfig) connectTimeout() time.Duration {
	if cfg.ConnectTimeout == 0 {
		return defaultConnectTimeout
	}
	return cfg.ConnectTimeout
}

func (cfg *TransmitConfig) commandTimeout() time.Duration {
	if cfg.CommandTimeout == 0 {
		return defaultCommandTimeout
	}
	return cfg.CommandTimeout
}

func (cfg *TransmitConfig) dataTimeout() time.Duration {
	if cfg.DataTimeout == 0 {
		return defaultDataTimeout
	}
	return cfg.DataTimeout
}

// Transmit runs one full SMTP transaction against host and reports its
// outcome. The message bytes must be complete RFC 5322 wire format, dot
// stuffing and the closing dot are handled by the DATA writer. Cancellation
// of ctx closes the connection immediately so that a partially transmitted
// message is never terminated and therefore never committed by the server.
// The connection is closed on every exit path.
func Transmit(ctx context.Context, cfg *TransmitConfig, host, from string, rcptTo []string, msg []byte) error {
	logger := cfg.Logger.WithFields(logrus.Fields{
		"scope": "transmit",
		"host":  host,
	})

	addr := net.JoinHostPort(host, strconv.Itoa(cfg.port()))
	dialer := &net.Dialer{
		Timeout: cfg.connectTimeout(),
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &TransmitError{Host: host, Stage: StageConnect, Err: err}
	}
	defer conn.Close()

	// Force the socket shut on cancellation, aborting whatever command or
	// DATA copy is in flight.
	watchdogCh := make(chan struct{})
	defer close(watchdogCh)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchdogCh:
		}
	}()

	// Deadlines are set on the raw connection before each phase and stay
	// effective after the TLS upgrade wraps it.
	deadline := func(timeout time.Duration) {
		conn.SetDeadline(time.Now().Add(timeout))
	}

	deadline(cfg.commandTimeout())
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return transmitError(ctx, host, StageGreeting, err)
	}
	defer c.Close()

	deadline(cfg.commandTimeout())
	if err = c.Hello(cfg.HELODomain); err != nil {
		return transmitError(ctx, host, StageGreeting, err)
	}

	if ok, _ := c.Extension("STARTTLS"); ok {
		tlsConfig := cfg.TLSConfig.Clone()
		if tlsConfig == nil {
			tlsConfig = &tls.Config{}
		}
		tlsConfig.ServerName = host

		// StartTLS re-issues EHLO over the encrypted channel, nothing is
		// sent in plaintext afterwards.
		deadline(cfg.commandTimeout())
		if err = c.StartTLS(tlsConfig); err != nil {
			return transmitError(ctx, host, StageStartTLS, err)
		}
		logger.Debugln("connection upgraded to TLS")
	}

	deadline(cfg.commandTimeout())
	if err = c.Mail(from, nil); err != nil {
		return transmitError(ctx, host, StageMailFrom, err)
	}

	for _, rcpt := range rcptTo {
		deadline(cfg.commandTimeout())
		if err = c.Rcpt(rcpt); err != nil {
			return transmitError(ctx, host, StageRcptTo, err)
		}
	}

	deadline(cfg.dataTimeout())
	w, err := c.Data()
	if err != nil {
		return transmitError(ctx, host, StageData, err)
	}
	if _, err = io.Copy(w, bytes.NewReader(msg)); err != nil {
		return transmitError(ctx, host, StageData, err)
	}
	if err = w.Close(); err != nil {
		// The acceptance reply for the closing dot arrives here.
		return transmitError(ctx, host, StageData, err)
	}

	// The message is committed. A failing QUIT must not fail the delivery,
	// retrying elsewhere would duplicate the mail.
	deadline(cfg.commandTimeout())
	if err = c.Quit(); err != nil {
		logger.WithError(err).Debugln("quit after accepted message failed")
	}

	logger.WithFields(logrus.Fields{
		"from":    from,
		"rcpt_to": rcptTo,
	}).Debugln("message transmitted")

	return nil
}

func transmitError(ctx context.Context, host string, stage Stage, err error) error {
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	return &TransmitError{Host: host, Stage: stage, Err: err}
}
