/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package dagent

import (
	"context"

	"github.com/emersion/go-smtp"

	"github.com/pixelrisewebco/relayd/server/smtp/relay"
)

// Router routes accepted submissions into the outbound delivery pipeline.
type Router interface {
	Mail(from string, opts smtp.MailOptions) error

	// GetRoute prepares a route for the complete message data, applying
	// the DKIM sign policy once. The returned route is used for every
	// recipient domain of the transaction.
	GetRoute(from string, data []byte) (Route, error)
}

// Route delivers a prepared message to the recipients of one domain.
type Route interface {
	Deliver(ctx context.Context, domain string, rcptTo []string) *relay.DeliveryResult
}
