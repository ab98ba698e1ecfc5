/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package dagent

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"

	"github.com/pixelrisewebco/relayd/server/smtp/relay"
)

type deliverCall struct {
	domain string
	rcptTo []string
}

type fakeRoute struct {
	mutex   sync.Mutex
	calls   []deliverCall
	results map[string]*relay.DeliveryResult
}

func (r *fakeRoute) Deliver(ctx context.Context, domain string, rcptTo []string) *relay.DeliveryResult {
	r.mutex.Lock()
	r.calls = append(r.calls, deliverCall{domain: domain, rcptTo: rcptTo})
	r.mutex.Unlock()
	if result, ok := r.results[domain]; ok {
		return result
	}
	return &relay.DeliveryResult{Success: true}
}

type fakeRouter struct {
	route    *fakeRoute
	routeErr error

	mailFrom string
	data     []byte
}

func (r *fakeRouter) Mail(from string, opts smtp.MailOptions) error {
	r.mailFrom = from
	return nil
}

func (r *fakeRouter) GetRoute(from string, data []byte) (Route, error) {
	r.data = data
	if r.routeErr != nil {
		return nil, r.routeErr
	}
	return r.route, nil
}

func newTestSession(t *testing.T, router Router) *Session {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	session, err := NewSession(context.Background(), "test-session", router, logger, nil)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return session
}

func TestSessionGroupsRecipientsByDomain(t *testing.T) {
	router := &fakeRouter{route: &fakeRoute{}}
	session := newTestSession(t, router)

	if err := session.Mail("sender@example.com", smtp.MailOptions{}); err != nil {
		t.Fatal(err)
	}
	for _, rcpt := range []string{"a@other.org", "b@other.org", "c@elsewhere.net"} {
		if err := session.Rcpt(rcpt); err != nil {
			t.Fatalf("rcpt %s failed: %v", rcpt, err)
		}
	}

	if err := session.Data(strings.NewReader("message data")); err != nil {
		t.Fatalf("data failed: %v", err)
	}

	if router.mailFrom != "sender@example.com" {
		t.Errorf("mail from not routed: %q", router.mailFrom)
	}
	if string(router.data) != "message data" {
		t.Errorf("message data not handed to router: %q", router.data)
	}
	if len(router.route.calls) != 2 {
		t.Fatalf("expected one delivery per domain, got %v", router.route.calls)
	}

	byDomain := make(map[string][]string)
	for _, call := range router.route.calls {
		byDomain[call.domain] = call.rcptTo
	}
	if len(byDomain["other.org"]) != 2 {
		t.Errorf("other.org recipients not grouped: %v", byDomain)
	}
	if len(byDomain["elsewhere.net"]) != 1 {
		t.Errorf("elsewhere.net recipients missing: %v", byDomain)
	}
}

func TestSessionRejectsInvalidRecipient(t *testing.T) {
	session := newTestSession(t, &fakeRouter{route: &fakeRoute{}})

	err := session.Rcpt("not-an-address")
	if !errors.Is(err, ErrRequestedActionNotTaken) {
		t.Errorf("expected 553 reply, got %v", err)
	}
}

func TestSessionDataFailsTransactionOnFailedDomain(t *testing.T) {
	router := &fakeRouter{route: &fakeRoute{
		results: map[string]*relay.DeliveryResult{
			"other.org": {Success: false, Reason: "no such user", Code: 550, Temporary: false},
		},
	}}
	session := newTestSession(t, router)

	session.Mail("sender@example.com", smtp.MailOptions{})
	session.Rcpt("a@other.org")

	err := session.Data(strings.NewReader("message data"))
	if err == nil {
		t.Fatal("expected transaction failure")
	}

	var reply *smtp.SMTPError
	if !errors.As(err, &reply) {
		t.Fatalf("expected SMTP reply, got %T", err)
	}
	if reply.Code != 550 {
		t.Errorf("permanent rejection must keep its code, got %d", reply.Code)
	}
}

func TestSessionDataTemporaryFailure(t *testing.T) {
	router := &fakeRouter{route: &fakeRoute{
		results: map[string]*relay.DeliveryResult{
			"other.org": {Success: false, Reason: "timeout", Temporary: true},
		},
	}}
	session := newTestSession(t, router)

	session.Mail("sender@example.com", smtp.MailOptions{})
	session.Rcpt("a@other.org")

	err := session.Data(strings.NewReader("message data"))
	if !errors.Is(err, ErrLocalErrorInProcessingError) {
		t.Errorf("expected 451 reply, got %v", err)
	}
}

func TestSessionDataSigningFailure(t *testing.T) {
	router := &fakeRouter{
		routeErr: &relay.SigningError{Domain: "example.com", Err: relay.ErrNoKey},
	}
	session := newTestSession(t, router)

	session.Mail("sender@example.com", smtp.MailOptions{})
	session.Rcpt("a@other.org")

	err := session.Data(strings.NewReader("message data"))
	if !errors.Is(err, ErrSigningFailed) {
		t.Errorf("expected signing failure reply, got %v", err)
	}
}

func TestSessionReset(t *testing.T) {
	router := &fakeRouter{route: &fakeRoute{}}
	session := newTestSession(t, router)

	session.Mail("sender@example.com", smtp.MailOptions{})
	session.Rcpt("a@other.org")
	session.Reset()

	if err := session.Data(strings.NewReader("message data")); err != nil {
		t.Fatalf("data after reset failed: %v", err)
	}
	if len(router.route.calls) != 0 {
		t.Errorf("recipients survived reset: %v", router.route.calls)
	}
}

func TestSessionLMTPDataPerRecipientStatus(t *testing.T) {
	router := &fakeRouter{route: &fakeRoute{
		results: map[string]*relay.DeliveryResult{
			"other.org":     {Success: true},
			"elsewhere.net": {Success: false, Reason: "timeout", Temporary: true},
		},
	}}
	session := newTestSession(t, router)

	session.Mail("sender@example.com", smtp.MailOptions{})
	session.Rcpt("a@other.org")
	session.Rcpt("b@elsewhere.net")

	collector := &fakeStatusCollector{statuses: make(map[string]error)}
	if err := session.LMTPData(strings.NewReader("message data"), collector); err != nil {
		t.Fatalf("lmtp data failed: %v", err)
	}

	if collector.statuses["a@other.org"] != nil {
		t.Errorf("expected success for a@other.org: %v", collector.statuses["a@other.org"])
	}
	if !errors.Is(collector.statuses["b@elsewhere.net"], ErrLocalErrorInProcessingError) {
		t.Errorf("expected 451 for b@elsewhere.net: %v", collector.statuses["b@elsewhere.net"])
	}
}

type fakeStatusCollector struct {
	mutex    sync.Mutex
	statuses map[string]error
}

func (c *fakeStatusCollector) SetStatus(rcptTo string, err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.statuses[rcptTo] = err
}
