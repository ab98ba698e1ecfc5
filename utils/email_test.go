/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package utils

import (
	"testing"
)

func TestGetDomainFromEmail(t *testing.T) {
	tests := []struct {
		email  string
		domain string
		fail   bool
	}{
		{email: "user@example.com", domain: "example.com"},
		{email: "user@EXAMPLE.COM", domain: "example.com"},
		{email: "first.last@mail.example.co.uk", domain: "mail.example.co.uk"},
		{email: "no-domain", fail: true},
		{email: "trailing@", fail: true},
		{email: "", fail: true},
	}

	for _, tc := range tests {
		domain, err := GetDomainFromEmail(tc.email)
		if tc.fail {
			if err == nil {
				t.Errorf("expected error for %q, got domain %q", tc.email, domain)
			}
			continue
		}
		if err != nil {
			t.Errorf("unexpected error for %q: %v", tc.email, err)
			continue
		}
		if domain != tc.domain {
			t.Errorf("domain mismatch for %q: got %q, expected %q", tc.email, domain, tc.domain)
		}
	}
}
