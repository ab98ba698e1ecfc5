/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package relay

import (
	"errors"
	"fmt"

	"github.com/emersion/go-smtp"
)

// Stage identifies the SMTP transaction phase an error occurred in.
type Stage string

const (
	StageConnect  Stage = "connect"
	StageGreeting Stage = "greeting"
	StageStartTLS Stage = "starttls"
	StageMailFrom Stage = "mail-from"
	StageRcptTo   Stage = "rcpt-to"
	StageData     Stage = "data"
	StageQuit     Stage = "quit"
)

// ErrNoKey is returned wrapped in a SigningError when the key ring holds no
// private key for the sender domain.
var ErrNoKey = errors.New("no DKIM key configured for domain")

// ResolveError is returned when MX resolution for a recipient domain fails.
type ResolveError struct {
	Domain string
	Err    error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("failed to resolve MX for %s: %v", e.Domain, e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// TransmitError is returned when the SMTP exchange with a single host fails.
// It records the transaction stage and keeps the raw server reply available
// via errors.As on the wrapped error.
type TransmitError struct {
	Host  string
	Stage Stage
	Err   error
}

func (e *TransmitError) Error() string {
	return fmt.Sprintf("smtp %s failed for %s: %v", e.Stage, e.Host, e.Err)
}

func (e *TransmitError) Unwrap() error {
	return e.Err
}

// SigningError is returned when DKIM signing for the sender domain fails.
type SigningError struct {
	Domain string
	Err    error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("failed to DKIM sign for %s: %v", e.Domain, e.Err)
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

// BuildError is returned when an outbound message cannot be turned into a
// valid wire format message.
type BuildError struct {
	Err error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("failed to build message: %v", e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// SMTPReply extracts the raw SMTP server reply from err, if any.
func SMTPReply(err error) (*smtp.SMTPError, bool) {
	var reply *smtp.SMTPError
	if errors.As(err, &reply) {
		return reply, true
	}
	return nil, false
}

// IsPermanent reports whether err is a permanent delivery failure which must
// not be retried against another MX host of the same domain. Only 5xx replies
// at the RCPT TO and DATA stages qualify: all MX hosts of a domain serve the
// same mailboxes, while a broken greeting or TLS handshake is host-local.
func IsPermanent(err error) bool {
	var te *TransmitError
	if !errors.As(err, &te) {
		return false
	}
	if te.Stage != StageRcptTo && te.Stage != StageData {
		return false
	}
	if reply, ok := SMTPReply(te.Err); ok {
		return reply.Code >= 500
	}
	return false
}
