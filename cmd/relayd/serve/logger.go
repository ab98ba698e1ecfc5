/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package serve

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

func newLogger(disableTimestamp bool, logLevelString string) (logrus.FieldLogger, error) {
	logger := logrus.New()
	logger.Formatter = &logrus.TextFormatter{
		DisableTimestamp: disableTimestamp,
	}

	logLevel, err := logrus.ParseLevel(logLevelString)
	if err != nil {
		return nil, fmt.Errorf("unknown log level: %v", err)
	}
	logger.SetLevel(logLevel)

	return logger, nil
}
