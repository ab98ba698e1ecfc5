/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package serve

import (
	"github.com/pixelrisewebco/relayd/internal/ipc"
	"github.com/pixelrisewebco/relayd/server"
)

func onStatus(srv *server.Server) {
	logger := srv.Logger()

	s, statusErr := srv.Status()
	if statusErr != nil {
		logger.WithError(statusErr).Errorln("failed to get server status")
		s = &server.Status{}
	}

	statusErr = ipc.SetStatus(s)
	if statusErr != nil {
		logger.WithError(statusErr).Errorln("failed to share server status")
	}
}

func clearStatus() error {
	return ipc.ClearStatus()
}
