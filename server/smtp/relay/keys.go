/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package relay

import (
	"crypto"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	jose "gopkg.in/square/go-jose.v2"
)

// DefaultDKIMSelector is used for keys loaded without an explicit selector.
const DefaultDKIMSelector = "default"

// KeySource describes where to load a single domain signing key from.
type KeySource struct {
	Domain   string
	Selector string
	KeyFile  string
}

// KeyEntry is the loaded signing key material of one domain.
type KeyEntry struct {
	Domain   string
	Selector string
	Signer   crypto.Signer
}

// KeyRing maps sender domains to their DKIM key material. A ring is immutable
// after load and safe for concurrent lookups, reloading builds a new ring.
type KeyRing struct {
	entries map[string]*KeyEntry
}

// Lookup returns the key entry for domain, matching case insensitively.
func (kr *KeyRing) Lookup(domain string) (*KeyEntry, bool) {
	entry, ok := kr.entries[strings.ToLower(domain)]
	return entry, ok
}

// Domains returns the sorted list of domains with a configured key.
func (kr *KeyRing) Domains() []string {
	domains := make([]string, 0, len(kr.entries))
	for domain := range kr.entries {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return domains
}

// LoadKeyRing loads all provided key sources into a fresh ring.
func LoadKeyRing(sources []KeySource) (*KeyRing, error) {
	ring := &KeyRing{
		entries: make(map[string]*KeyEntry),
	}

	for _, source := range sources {
		domain := strings.ToLower(strings.TrimSpace(source.Domain))
		if domain == "" {
			return nil, fmt.Errorf("key source without domain: %s", source.KeyFile)
		}

		selector := source.Selector
		if selector == "" {
			selector = DefaultDKIMSelector
		}

		signer, err := LoadPrivateKey(source.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load key for %s: %w", domain, err)
		}

		ring.entries[domain] = &KeyEntry{
			Domain:   domain,
			Selector: selector,
			Signer:   signer,
		}
	}

	return ring, nil
}

// DirKeySources lists every <domain>.key file in dir as a key source with
// the given selector. The directory is optional, a missing one yields no
// sources.
func DirKeySources(dir, selector string) ([]KeySource, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.key"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan keys directory: %w", err)
	}

	sources := make([]KeySource, 0, len(matches))
	for _, match := range matches {
		domain := strings.TrimSuffix(filepath.Base(match), ".key")
		sources = append(sources, KeySource{
			Domain:   domain,
			Selector: selector,
			KeyFile:  match,
		})
	}

	return sources, nil
}

// LoadKeyRingDir loads every <domain>.key file in dir with the given
// selector.
func LoadKeyRingDir(dir, selector string) (*KeyRing, error) {
	sources, err := DirKeySources(dir, selector)
	if err != nil {
		return nil, err
	}

	return LoadKeyRing(sources)
}

// LoadPrivateKey reads an RSA private key from a PEM (PKCS#1 or PKCS#8) or
// JWK encoded file.
func LoadPrivateKey(fn string) (crypto.Signer, error) {
	raw, err := os.ReadFile(fn)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	if block, _ := pem.Decode(raw); block != nil {
		return parsePEMKey(block)
	}

	return parseJWKKey(raw)
}

func parsePEMKey(block *pem.Block) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported key type: %T", key)
		}
		return signer, nil
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PEM key: %w", err)
	}

	return key, nil
}

func parseJWKKey(raw []byte) (crypto.Signer, error) {
	jwk := &jose.JSONWebKey{}
	if err := json.Unmarshal(raw, jwk); err != nil {
		return nil, fmt.Errorf("key file is neither PEM nor JWK: %w", err)
	}
	if jwk.IsPublic() {
		return nil, fmt.Errorf("JWK key is not a private key")
	}

	signer, ok := jwk.Key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported JWK key type: %T", jwk.Key)
	}

	return signer, nil
}
