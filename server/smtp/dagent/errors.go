/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package dagent

import (
	"github.com/emersion/go-smtp"

	"github.com/pixelrisewebco/relayd/server/smtp/relay"
)

var ErrLocalErrorInProcessingError = &smtp.SMTPError{
	Code:         451,
	EnhancedCode: smtp.EnhancedCodeNotSet,
	Message:      "Local error in processing",
}

var ErrServiceNotAvailable = &smtp.SMTPError{
	Code:         421,
	EnhancedCode: smtp.EnhancedCodeNotSet,
	Message:      "Service not available",
}

var ErrRequestedActionNotTaken = &smtp.SMTPError{
	Code:         553,
	EnhancedCode: smtp.EnhancedCodeNotSet,
	Message:      "Requested action not taken: mailbox name not allowed",
}

var ErrTransactionFailed = &smtp.SMTPError{
	Code:         554,
	EnhancedCode: smtp.EnhancedCode{5, 0, 0},
	Message:      "Error: transaction failed",
}

var ErrSigningFailed = &smtp.SMTPError{
	Code:         554,
	EnhancedCode: smtp.EnhancedCode{5, 7, 20},
	Message:      "Error: message signing failed",
}

// smtpErrorFromResult maps a final delivery result to the SMTP reply returned
// to the submitting client. Permanent upstream rejections keep their original
// reply code where available.
func smtpErrorFromResult(result *relay.DeliveryResult) error {
	if result.Success {
		return nil
	}

	if !result.Temporary && result.Code >= 500 {
		return &smtp.SMTPError{
			Code:         result.Code,
			EnhancedCode: smtp.EnhancedCodeNotSet,
			Message:      result.Reason,
		}
	}

	if result.Temporary {
		return ErrLocalErrorInProcessingError
	}

	return ErrTransactionFailed
}
