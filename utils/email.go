/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package utils

import (
	"fmt"
	"strings"
)

// GetDomainFromEmail returns the lower cased domain part as defined in
// RFC 5322 of the provided email address.
func GetDomainFromEmail(email string) (string, error) {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return "", fmt.Errorf("no domain in value: %v", email)
	}

	return strings.ToLower(email[at+1:]), nil
}
