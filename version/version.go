/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package version

// Version is the software version, set at build time via ldflags.
var Version = "0.0.0-unreleased"

// BuildDate is the build timestamp, set at build time via ldflags.
var BuildDate = "unknown"
