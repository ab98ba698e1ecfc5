/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package serve

// ErrorWithExitCode is an error with an associated process exit code.
type ErrorWithExitCode struct {
	Code int
	Err  error
}

func (err *ErrorWithExitCode) Error() string {
	return err.Err.Error()
}

func (err *ErrorWithExitCode) Unwrap() error {
	return err.Err
}

// StartupError wraps err as a startup failure with exit code 64.
func StartupError(err error) error {
	if err == nil {
		return nil
	}
	return &ErrorWithExitCode{
		Code: 64,
		Err:  err,
	}
}
