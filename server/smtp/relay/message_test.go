/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package relay

import (
	"bytes"
	"io"
	"net/mail"
	"strings"
	"testing"
	"time"
)

func TestBuildMessage(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	msg := &OutboundMessage{
		From:     "sender@example.com",
		FromName: "Jamie Sender",
		To:       "rcpt@other.org",
		Subject:  "Quick question",
		Body:     "First line.\nSecond line.",
		Time:     ts,
	}

	wire, messageID, err := BuildMessage(msg)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	parsed, err := mail.ReadMessage(bytes.NewReader(wire))
	if err != nil {
		t.Fatalf("wire format does not parse: %v", err)
	}

	if got := parsed.Header.Get("Message-ID"); got != messageID {
		t.Errorf("message id header mismatch: %q != %q", got, messageID)
	}
	if !strings.HasSuffix(messageID, "@example.com>") {
		t.Errorf("message id not qualified with sender domain: %s", messageID)
	}
	if got := parsed.Header.Get("Subject"); got != "Quick question" {
		t.Errorf("subject mismatch: %q", got)
	}
	if got := parsed.Header.Get("Reply-To"); got != "sender@example.com" {
		t.Errorf("reply-to mismatch: %q", got)
	}
	if got := parsed.Header.Get("Content-Type"); got != "text/plain; charset=utf-8" {
		t.Errorf("content type mismatch: %q", got)
	}

	from, err := parsed.Header.AddressList("From")
	if err != nil || len(from) != 1 {
		t.Fatalf("from header broken: %v", err)
	}
	if from[0].Name != "Jamie Sender" || from[0].Address != "sender@example.com" {
		t.Errorf("from mismatch: %v", from[0])
	}

	date, err := parsed.Header.Date()
	if err != nil {
		t.Fatalf("date header broken: %v", err)
	}
	if !date.Equal(ts) {
		t.Errorf("date mismatch: %v", date)
	}

	body, _ := io.ReadAll(parsed.Body)
	if string(body) != "First line.\r\nSecond line.\r\n" {
		t.Errorf("body not CRLF normalized: %q", string(body))
	}

	// Every line of the wire format must end in CRLF.
	for idx, line := range strings.Split(string(wire), "\r\n") {
		if strings.Contains(line, "\n") {
			t.Errorf("bare LF in line %d: %q", idx, line)
		}
	}
}

func TestBuildMessageHTML(t *testing.T) {
	wire, _, err := BuildMessage(&OutboundMessage{
		From:    "sender@example.com",
		To:      "rcpt@other.org",
		Subject: "s",
		Body:    "<p>hi</p>",
		HTML:    true,
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	parsed, err := mail.ReadMessage(bytes.NewReader(wire))
	if err != nil {
		t.Fatal(err)
	}
	if got := parsed.Header.Get("Content-Type"); got != "text/html; charset=utf-8" {
		t.Errorf("content type mismatch: %q", got)
	}
}

func TestBuildMessageEncodesSubject(t *testing.T) {
	wire, _, err := BuildMessage(&OutboundMessage{
		From:    "sender@example.com",
		To:      "rcpt@other.org",
		Subject: "Grüße aus Köln",
		Body:    "hi",
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	parsed, err := mail.ReadMessage(bytes.NewReader(wire))
	if err != nil {
		t.Fatal(err)
	}

	raw := parsed.Header.Get("Subject")
	if !strings.HasPrefix(raw, "=?utf-8?q?") {
		t.Errorf("subject not encoded: %q", raw)
	}
}

func TestBuildMessageInvalidAddresses(t *testing.T) {
	cases := []*OutboundMessage{
		{From: "not an address", To: "rcpt@other.org", Subject: "s", Body: "b"},
		{From: "sender@example.com", To: "also not", Subject: "s", Body: "b"},
	}

	for idx, msg := range cases {
		if _, _, err := BuildMessage(msg); err == nil {
			t.Errorf("case %d: expected error", idx)
		}
	}
}

func TestBuildMessageUniqueIDs(t *testing.T) {
	msg := &OutboundMessage{From: "sender@example.com", To: "rcpt@other.org", Subject: "s", Body: "b"}

	_, first, err := BuildMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	_, second, err := BuildMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Errorf("message ids not unique: %s", first)
	}
}
