/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package server

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/pixelrisewebco/relayd/server/smtp/relay"
)

// Route carries one prepared submission through the outbound pipeline. The
// message data is already signed, so the route only runs resolution and
// transmission per recipient domain.
type Route struct {
	logger logrus.FieldLogger
	server *Server

	from string
	data []byte
}

func (route *Route) Deliver(ctx context.Context, domain string, rcptTo []string) *relay.DeliveryResult {
	return route.server.deliverer.DeliverPrepared(ctx, route.from, rcptTo, domain, route.data)
}
