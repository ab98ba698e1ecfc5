/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package relay

import (
	"bytes"
	"fmt"
	"mime"
	"net/mail"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v3"

	"github.com/pixelrisewebco/relayd/utils"
	"github.com/pixelrisewebco/relayd/version"
)

var defaultMailer = "relayd/" + version.Version

// OutboundMessage is a single send request as handed over by the campaign
// layer. It is immutable once built into wire format.
type OutboundMessage struct {
	From     string    `json:"from"`
	FromName string    `json:"from_name,omitempty"`
	To       string    `json:"to"`
	Subject  string    `json:"subject"`
	Body     string    `json:"body"`
	HTML     bool      `json:"html,omitempty"`
	Time     time.Time `json:"time,omitempty"`
}

// FromDomain returns the domain part of the sender address.
func (msg *OutboundMessage) FromDomain() (string, error) {
	return utils.GetDomainFromEmail(msg.From)
}

// ToDomain returns the domain part of the recipient address.
func (msg *OutboundMessage) ToDomain() (string, error) {
	return utils.GetDomainFromEmail(msg.To)
}

// BuildMessage assembles the RFC 5322 wire format of msg with CRLF line
// endings and returns it together with the generated Message-ID. The
// Message-ID is qualified with the domain of the sender address. Dot stuffing
// and the closing dot are applied later by the SMTP DATA writer, not here.
func BuildMessage(msg *OutboundMessage) ([]byte, string, error) {
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return nil, "", &BuildError{Err: fmt.Errorf("invalid from address: %w", err)}
	}
	if _, err = mail.ParseAddress(msg.To); err != nil {
		return nil, "", &BuildError{Err: fmt.Errorf("invalid to address: %w", err)}
	}

	fromDomain, err := utils.GetDomainFromEmail(from.Address)
	if err != nil {
		return nil, "", &BuildError{Err: err}
	}

	ts := msg.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	messageID := fmt.Sprintf("<%s@%s>", shortuuid.New(), fromDomain)

	sender := &mail.Address{
		Name:    msg.FromName,
		Address: from.Address,
	}

	contentType := "text/plain; charset=utf-8"
	if msg.HTML {
		contentType = "text/html; charset=utf-8"
	}

	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(buf, "Date: %s\r\n", ts.Format(time.RFC1123Z))
	fmt.Fprintf(buf, "From: %s\r\n", sender.String())
	fmt.Fprintf(buf, "To: %s\r\n", msg.To)
	fmt.Fprintf(buf, "Subject: %s\r\n", encodeHeaderValue(msg.Subject))
	fmt.Fprintf(buf, "Reply-To: %s\r\n", from.Address)
	fmt.Fprintf(buf, "X-Mailer: %s\r\n", defaultMailer)
	fmt.Fprintf(buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(buf, "Content-Type: %s\r\n", contentType)
	fmt.Fprintf(buf, "Content-Transfer-Encoding: 8bit\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(normalizeCRLF(msg.Body))

	return buf.Bytes(), messageID, nil
}

func encodeHeaderValue(value string) string {
	return mime.QEncoding.Encode("utf-8", value)
}

func normalizeCRLF(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\n", "\r\n")
	if !strings.HasSuffix(body, "\r\n") {
		body += "\r\n"
	}
	return body
}
