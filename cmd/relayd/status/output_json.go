/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package status

import (
	"encoding/json"
	"io"

	"github.com/pixelrisewebco/relayd/server"
)

func outputJSON(w io.Writer, status *server.Status) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(status)
}
