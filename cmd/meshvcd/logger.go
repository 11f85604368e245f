/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

func newLogger(disableTimestamp bool, logLevelString string) (logrus.FieldLogger, error) {
	logLevel, err := logrus.ParseLevel(logLevelString)
	if err != nil {
		return nil, fmt.Errorf("unknown log level: %v", err)
	}

	logger := logrus.New()
	logger.Formatter = &logrus.TextFormatter{
		DisableTimestamp: disableTimestamp,
	}
	logger.Level = logLevel

	return logger, nil
}
