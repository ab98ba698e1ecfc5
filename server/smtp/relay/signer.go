/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package relay

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/sirupsen/logrus"
)

// SignPolicy decides what happens when the sender domain has no signing key.
type SignPolicy string

const (
	// PolicyOptional sends messages of domains without key material unsigned.
	PolicyOptional SignPolicy = "optional"
	// PolicyRequire fails the delivery when the sender domain has no key.
	PolicyRequire SignPolicy = "require"
)

// ParseSignPolicy validates a sign policy configuration value.
func ParseSignPolicy(value string) (SignPolicy, error) {
	switch SignPolicy(value) {
	case PolicyOptional, PolicyRequire:
		return SignPolicy(value), nil
	case "":
		return PolicyOptional, nil
	default:
		return "", fmt.Errorf("invalid dkim policy value: %s", value)
	}
}

// signedHeaders is the fixed header set covered by every signature.
var signedHeaders = []string{
	"From",
	"To",
	"Subject",
	"Date",
	"Message-ID",
	"Reply-To",
	"MIME-Version",
	"Content-Type",
}

// Signer produces DKIM signatures over outbound messages. The key is always
// selected by the domain of the sender address, there is no default domain
// fallback.
type Signer struct {
	mutex sync.RWMutex
	ring  *KeyRing

	logger logrus.FieldLogger
}

func NewSigner(ring *KeyRing, logger logrus.FieldLogger) *Signer {
	return &Signer{
		ring: ring,
		logger: logger.WithFields(logrus.Fields{
			"scope": "dkim",
		}),
	}
}

// Reload swaps the active key ring, used on SIGHUP.
func (s *Signer) Reload(ring *KeyRing) {
	s.mutex.Lock()
	s.ring = ring
	s.mutex.Unlock()
}

// Ring returns the active key ring.
func (s *Signer) Ring() *KeyRing {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.ring
}

// Sign returns msg with a DKIM-Signature header prepended, computed with the
// key material of fromDomain using relaxed/relaxed canonicalization. A domain
// without key material yields a SigningError wrapping ErrNoKey.
func (s *Signer) Sign(msg []byte, fromDomain string) ([]byte, error) {
	fromDomain = strings.ToLower(fromDomain)

	entry, ok := s.Ring().Lookup(fromDomain)
	if !ok {
		return nil, &SigningError{Domain: fromDomain, Err: ErrNoKey}
	}

	options := &dkim.SignOptions{
		Domain:                 entry.Domain,
		Selector:               entry.Selector,
		Signer:                 entry.Signer,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             signedHeaders,
	}

	var buf bytes.Buffer
	if err := dkim.Sign(&buf, bytes.NewReader(msg), options); err != nil {
		return nil, &SigningError{Domain: fromDomain, Err: err}
	}

	s.logger.WithFields(logrus.Fields{
		"domain":   entry.Domain,
		"selector": entry.Selector,
	}).Debugln("message signed")

	return buf.Bytes(), nil
}
