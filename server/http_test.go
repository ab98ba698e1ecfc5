/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelrisewebco/relayd/server/smtp/relay"
	"github.com/pixelrisewebco/relayd/utils"
)

type failingResolver struct{}

func (r *failingResolver) Resolve(ctx context.Context, domain string) ([]relay.MXHost, error) {
	return nil, &relay.ResolveError{Domain: domain, Err: errors.New("servfail")}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ring, err := relay.LoadKeyRing(nil)
	require.NoError(t, err)
	signer := relay.NewSigner(ring, logger)

	s := &Server{
		config: &Config{
			Logger:              logger,
			Hostname:            "relay.example.com",
			DAgentListenAddress: "127.0.0.1:10025",
			HTTPListenAddress:   "127.0.0.1:8025",
		},
		logger: logger,
		signer: signer,
		events: utils.NewBroadcaster(),
	}

	startedAt := time.Now()
	s.status = &Status{
		Hostname:            "relay.example.com",
		DAgentListenAddress: "127.0.0.1:10025",
		HTTPListenAddress:   "127.0.0.1:8025",
		DKIMPolicy:          string(relay.PolicyOptional),
		StartedAt:           &startedAt,
	}

	s.deliverer, err = relay.NewDeliverer(&relay.DelivererConfig{
		Logger:     logger,
		Resolver:   &failingResolver{},
		Signer:     signer,
		HELODomain: "relay.example.com",
		OnResult:   s.onDeliveryResult,
	})
	require.NoError(t, err)

	return s
}

func TestHTTPHealthz(t *testing.T) {
	handler := newTestServer(t).HTTPHandler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK\n", rec.Body.String())
}

func TestHTTPPostMessageValidation(t *testing.T) {
	handler := newTestServer(t).HTTPHandler()

	cases := []struct {
		name string
		body string
		code int
	}{
		{name: "garbage", body: "{not json", code: http.StatusBadRequest},
		{name: "unknown field", body: `{"from":"a@b.c","to":"d@e.f","subject":"s","bogus":1}`, code: http.StatusBadRequest},
		{name: "missing to", body: `{"from":"a@b.c","subject":"s","body":"x"}`, code: http.StatusUnprocessableEntity},
		{name: "missing subject", body: `{"from":"a@b.c","to":"d@e.f","body":"x"}`, code: http.StatusUnprocessableEntity},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(tc.body))
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tc.code, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestHTTPPostMessageDeliveryFailure(t *testing.T) {
	server := newTestServer(t)
	go server.events.Start(context.Background())
	defer server.events.Stop()

	handler := server.HTTPHandler()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"from":"sender@example.com","to":"rcpt@other.org","subject":"s","body":"x"}`))
	handler.ServeHTTP(rec, req)

	// Resolution fails, which is a temporary condition.
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var result relay.DeliveryResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Success)
	assert.True(t, result.Temporary)
	assert.Contains(t, result.Reason, "other.org")
}

func TestHTTPStatus(t *testing.T) {
	server := newTestServer(t)
	go server.events.Start(context.Background())
	defer server.events.Stop()

	// Count one failed delivery so the counters are visible in the status.
	server.deliverer.Deliver(context.Background(), &relay.OutboundMessage{
		From:    "sender@example.com",
		To:      "rcpt@other.org",
		Subject: "s",
		Body:    "x",
	})

	rec := httptest.NewRecorder()
	server.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "relay.example.com", status.Hostname)
	assert.Equal(t, string(relay.PolicyOptional), status.DKIMPolicy)
	assert.Equal(t, uint64(1), status.Attempted)
	assert.Equal(t, uint64(0), status.Delivered)
	assert.Equal(t, uint64(1), status.Failed)
}

func TestHTTPEvents(t *testing.T) {
	server := newTestServer(t)

	eventsCtx, eventsCancel := context.WithCancel(context.Background())
	defer eventsCancel()
	go server.events.Start(eventsCtx)

	reqCtx, reqCancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(reqCtx)
	rec := httptest.NewRecorder()

	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		server.HTTPHandler().ServeHTTP(rec, req)
	}()

	// Give the handler time to subscribe before publishing.
	time.Sleep(100 * time.Millisecond)
	server.events.Broadcast(&relay.DeliveryResult{Success: true, Host: "mx1.other.org"})
	time.Sleep(100 * time.Millisecond)
	reqCancel()

	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("events handler did not stop on request cancellation")
	}

	body := rec.Body.String()
	assert.Contains(t, body, "event: delivery\n")
	assert.Contains(t, body, `"host":"mx1.other.org"`)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}
