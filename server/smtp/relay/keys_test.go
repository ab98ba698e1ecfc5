/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package relay

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	jose "gopkg.in/square/go-jose.v2"
)

func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

func writeTestKeyPKCS8(t *testing.T, dir, name string, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("failed to encode key: %v", err)
	}
	return writeTestPEM(t, dir, name, "PRIVATE KEY", der)
}

func writeTestKeyPKCS1(t *testing.T, dir, name string, key *rsa.PrivateKey) string {
	t.Helper()
	return writeTestPEM(t, dir, name, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key))
}

func writeTestPEM(t *testing.T, dir, name, blockType string, der []byte) string {
	t.Helper()
	fn := filepath.Join(dir, name)
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(fn, data, 0600); err != nil {
		t.Fatalf("failed to write key file: %v", err)
	}
	return fn
}

func writeTestKeyJWK(t *testing.T, dir, name string, key *rsa.PrivateKey) string {
	t.Helper()
	jwk := jose.JSONWebKey{Key: key}
	raw, err := json.Marshal(&jwk)
	if err != nil {
		t.Fatalf("failed to encode JWK: %v", err)
	}
	fn := filepath.Join(dir, name)
	if err := os.WriteFile(fn, raw, 0600); err != nil {
		t.Fatalf("failed to write key file: %v", err)
	}
	return fn
}

func TestLoadKeyRing(t *testing.T) {
	dir := t.TempDir()
	key := generateTestKey(t)

	sources := []KeySource{
		{Domain: "Example.COM", KeyFile: writeTestKeyPKCS8(t, dir, "example.com.key", key)},
		{Domain: "other.org", Selector: "mail", KeyFile: writeTestKeyPKCS1(t, dir, "other.org.key", key)},
		{Domain: "jwk.net", KeyFile: writeTestKeyJWK(t, dir, "jwk.net.key", key)},
	}

	ring, err := LoadKeyRing(sources)
	if err != nil {
		t.Fatalf("failed to load ring: %v", err)
	}

	entry, ok := ring.Lookup("EXAMPLE.com")
	if !ok {
		t.Fatal("lookup is not case insensitive")
	}
	if entry.Selector != DefaultDKIMSelector {
		t.Errorf("selector mismatch: got %q", entry.Selector)
	}

	entry, ok = ring.Lookup("other.org")
	if !ok || entry.Selector != "mail" {
		t.Errorf("explicit selector lost: %v", entry)
	}

	domains := ring.Domains()
	expected := []string{"example.com", "jwk.net", "other.org"}
	if len(domains) != len(expected) {
		t.Fatalf("domain count mismatch: %v", domains)
	}
	for idx := range expected {
		if domains[idx] != expected[idx] {
			t.Errorf("domains not sorted: %v", domains)
		}
	}
}

func TestLoadKeyRingErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadKeyRing([]KeySource{{Domain: "", KeyFile: "whatever"}}); err == nil {
		t.Error("expected error for source without domain")
	}

	if _, err := LoadKeyRing([]KeySource{{Domain: "example.com", KeyFile: filepath.Join(dir, "missing.key")}}); err == nil {
		t.Error("expected error for missing key file")
	}

	garbage := filepath.Join(dir, "garbage.key")
	if err := os.WriteFile(garbage, []byte("not a key"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadKeyRing([]KeySource{{Domain: "example.com", KeyFile: garbage}}); err == nil {
		t.Error("expected error for garbage key file")
	}
}

func TestDirKeySources(t *testing.T) {
	dir := t.TempDir()
	key := generateTestKey(t)

	writeTestKeyPKCS8(t, dir, "example.com.key", key)
	writeTestKeyPKCS8(t, dir, "other.org.key", key)
	if err := os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	ring, err := LoadKeyRingDir(dir, "s1")
	if err != nil {
		t.Fatalf("failed to load ring from dir: %v", err)
	}

	domains := ring.Domains()
	if len(domains) != 2 {
		t.Fatalf("unexpected domains: %v", domains)
	}
	entry, ok := ring.Lookup("example.com")
	if !ok || entry.Selector != "s1" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestDirKeySourcesMissingDir(t *testing.T) {
	sources, err := DirKeySources(filepath.Join(t.TempDir(), "nope"), "s1")
	if err != nil {
		t.Fatalf("missing dir must not error: %v", err)
	}
	if len(sources) != 0 {
		t.Errorf("expected no sources, got %v", sources)
	}
}
