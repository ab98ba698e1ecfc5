/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
)

// MethodMX marks results delivered directly to a resolved mail exchanger.
const MethodMX = "mx"

// Smarthost is an alternative transport used after direct MX delivery is
// exhausted with transient failures, typically an authenticated provider.
type Smarthost interface {
	Name() string
	Send(ctx context.Context, from string, rcptTo []string, msg []byte) error
}

// DeliveryResult is the final verdict of one delivery attempt. It is handed
// back to the caller and not persisted, the relay keeps no retry queue.
type DeliveryResult struct {
	Success   bool          `json:"success"`
	MessageID string        `json:"message_id,omitempty"`
	Method    string        `json:"method,omitempty"`
	Host      string        `json:"host,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Code      int           `json:"code,omitempty"`
	Temporary bool          `json:"temporary,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// DelivererConfig bundles deliverer settings.
type DelivererConfig struct {
	Logger logrus.FieldLogger

	Resolver Resolver
	Signer   *Signer

	// SignPolicy decides between aborting and sending unsigned when the
	// sender domain has no key material.
	SignPolicy SignPolicy

	HELODomain string

	Port           int
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	DataTimeout    time.Duration
	TLSConfig      *tls.Config

	Smarthost Smarthost

	// OnResult is invoked with every final delivery result.
	OnResult func(*DeliveryResult)
}

// Deliverer drives the outbound pipeline: resolve, build, sign, transmit with
// MX failover. One delivery runs strictly sequentially, concurrent deliveries
// share only the read-only key material.
type Deliverer struct {
	config *DelivererConfig
	logger logrus.FieldLogger

	transmit func(ctx context.Context, cfg *TransmitConfig, host, from string, rcptTo []string, msg []byte) error
}

func NewDeliverer(config *DelivererConfig) (*Deliverer, error) {
	if config.Resolver == nil {
		return nil, fmt.Errorf("deliverer requires a resolver")
	}
	if config.Signer == nil {
		return nil, fmt.Errorf("deliverer requires a signer")
	}
	if config.HELODomain == "" {
		return nil, fmt.Errorf("deliverer requires a HELO domain")
	}
	if config.SignPolicy == "" {
		config.SignPolicy = PolicyOptional
	}

	return &Deliverer{
		config: config,
		logger: config.Logger.WithFields(logrus.Fields{
			"scope": "deliver",
		}),

		transmit: Transmit,
	}, nil
}

// Deliver runs the full pipeline for one outbound message and returns the
// final verdict. The signed wire format is built once and reused across MX
// host attempts.
func (d *Deliverer) Deliver(ctx context.Context, msg *OutboundMessage) *DeliveryResult {
	start := time.Now()

	result := func() *DeliveryResult {
		domain, err := msg.ToDomain()
		if err != nil {
			return failureResult(&BuildError{Err: err})
		}

		wire, messageID, err := BuildMessage(msg)
		if err != nil {
			return failureResult(err)
		}

		fromDomain, err := msg.FromDomain()
		if err != nil {
			return failureResult(&BuildError{Err: err})
		}

		signed, err := d.signWithPolicy(wire, fromDomain)
		if err != nil {
			return failureResult(err)
		}

		deliveryResult := d.deliverToDomain(ctx, msg.From, []string{msg.To}, domain, signed)
		deliveryResult.MessageID = messageID
		return deliveryResult
	}()

	result.Duration = time.Since(start)
	d.notify(result)

	return result
}

// PrepareRaw applies the configured sign policy to an already assembled
// message, looking up key material by the domain of from.
func (d *Deliverer) PrepareRaw(from string, msg []byte) ([]byte, error) {
	fromDomain, err := (&OutboundMessage{From: from}).FromDomain()
	if err != nil {
		return nil, &BuildError{Err: err}
	}
	return d.signWithPolicy(msg, fromDomain)
}

// DeliverPrepared delivers an already signed message to all recipients of a
// single domain, with the same MX failover semantics as Deliver.
func (d *Deliverer) DeliverPrepared(ctx context.Context, from string, rcptTo []string, domain string, msg []byte) *DeliveryResult {
	start := time.Now()

	result := d.deliverToDomain(ctx, from, rcptTo, domain, msg)
	result.Duration = time.Since(start)
	d.notify(result)

	return result
}

func (d *Deliverer) signWithPolicy(wire []byte, fromDomain string) ([]byte, error) {
	signed, err := d.config.Signer.Sign(wire, fromDomain)
	if err == nil {
		return signed, nil
	}

	if errors.Is(err, ErrNoKey) && d.config.SignPolicy == PolicyOptional {
		d.logger.WithField("domain", fromDomain).Warnln("no DKIM key, sending unsigned")
		return wire, nil
	}

	return nil, err
}

func (d *Deliverer) deliverToDomain(ctx context.Context, from string, rcptTo []string, domain string, msg []byte) *DeliveryResult {
	logger := d.logger.WithFields(logrus.Fields{
		"domain":  domain,
		"rcpt_to": strings.Join(rcptTo, ","),
	})

	hosts, err := d.config.Resolver.Resolve(ctx, domain)
	if err != nil {
		logger.WithError(err).Warnln("delivery failed at resolution")
		return failureResult(err)
	}

	transmitConfig := &TransmitConfig{
		Logger:         d.config.Logger,
		HELODomain:     d.config.HELODomain,
		Port:           d.config.Port,
		ConnectTimeout: d.config.ConnectTimeout,
		CommandTimeout: d.config.CommandTimeout,
		DataTimeout:    d.config.DataTimeout,
		TLSConfig:      d.config.TLSConfig,
	}

	bo := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    8 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for i, mx := range hosts {
		if i > 0 {
			select {
			case <-ctx.Done():
				return failureResult(&TransmitError{Host: mx.Host, Stage: StageConnect, Err: ctx.Err()})
			case <-time.After(bo.Duration()):
			}
		}

		err = d.transmit(ctx, transmitConfig, mx.Host, from, rcptTo, msg)
		if err == nil {
			logger.WithField("host", mx.Host).Infoln("message delivered")
			return &DeliveryResult{
				Success: true,
				Method:  MethodMX,
				Host:    mx.Host,
			}
		}
		lastErr = err

		if IsPermanent(err) {
			// All MX hosts of a domain serve the same mailboxes, a
			// permanent rejection is final and must not be masked by
			// trying the next host.
			logger.WithError(err).Warnln("message rejected permanently")
			return failureResult(err)
		}

		logger.WithError(err).WithField("host", mx.Host).Debugln("host attempt failed, trying next")

		if ctx.Err() != nil {
			break
		}
	}

	if d.config.Smarthost != nil && ctx.Err() == nil {
		logger.WithField("smarthost", d.config.Smarthost.Name()).Debugln("direct delivery exhausted, trying smarthost")
		if smartErr := d.config.Smarthost.Send(ctx, from, rcptTo, msg); smartErr == nil {
			return &DeliveryResult{
				Success: true,
				Method:  d.config.Smarthost.Name(),
			}
		} else {
			lastErr = smartErr
		}
	}

	if lastErr == nil {
		lastErr = &ResolveError{Domain: domain, Err: fmt.Errorf("no MX hosts to attempt")}
	}

	logger.WithError(lastErr).Warnln("delivery failed on all hosts")
	return failureResult(lastErr)
}

func (d *Deliverer) notify(result *DeliveryResult) {
	if d.config.OnResult != nil {
		d.config.OnResult(result)
	}
}

func failureResult(err error) *DeliveryResult {
	result := &DeliveryResult{
		Success:   false,
		Reason:    err.Error(),
		Temporary: !IsPermanent(err),
	}

	var te *TransmitError
	if errors.As(err, &te) {
		result.Host = te.Host
	}
	if reply, ok := SMTPReply(err); ok {
		result.Code = reply.Code
	}

	return result
}
