/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pixelrisewebco/relayd/server/smtp/relay"
)

// HTTPHandler returns the HTTP API of this server.
func (server *Server) HTTPHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", server.healthzHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", server.postMessageHandler)
		r.Get("/status", server.statusHandler)
		r.Get("/events", server.eventsHandler)
	})

	return r
}

func (server *Server) healthzHandler(rw http.ResponseWriter, req *http.Request) {
	rw.WriteHeader(http.StatusOK)
	fmt.Fprintln(rw, "OK")
}

// postMessageHandler accepts a single outbound message and runs it through
// the delivery pipeline synchronously, responding with the final verdict.
func (server *Server) postMessageHandler(rw http.ResponseWriter, req *http.Request) {
	msg := &relay.OutboundMessage{}

	decoder := json.NewDecoder(req.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(msg); err != nil {
		writeJSONError(rw, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if msg.From == "" || msg.To == "" {
		writeJSONError(rw, http.StatusUnprocessableEntity, "from and to are required")
		return
	}
	if msg.Subject == "" {
		writeJSONError(rw, http.StatusUnprocessableEntity, "subject is required")
		return
	}

	result := server.deliverer.Deliver(req.Context(), msg)

	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadGateway
		if result.Temporary {
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(rw, status, result)
}

func (server *Server) statusHandler(rw http.ResponseWriter, req *http.Request) {
	status, err := server.Status()
	if err != nil {
		server.logger.WithError(err).Errorln("failed to copy status")
		writeJSONError(rw, http.StatusInternalServerError, "failed to gather status")
		return
	}

	writeJSON(rw, http.StatusOK, status)
}

// eventsHandler streams delivery results as server sent events. Heartbeat
// comments keep idle connections from being reaped by proxies.
func (server *Server) eventsHandler(rw http.ResponseWriter, req *http.Request) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		writeJSONError(rw, http.StatusInternalServerError, "streaming not supported")
		return
	}

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.WriteHeader(http.StatusOK)
	flusher.Flush()

	eventCh := server.events.Subscribe()
	defer server.events.Unsubscribe(eventCh)

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-req.Context().Done():
			return

		case <-heartbeat.C:
			fmt.Fprint(rw, ": heartbeat\n\n")
			flusher.Flush()

		case event, open := <-eventCh:
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				server.logger.WithError(err).Errorln("failed to encode event")
				continue
			}
			fmt.Fprintf(rw, "event: delivery\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func writeJSON(rw http.ResponseWriter, status int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	encoder := json.NewEncoder(rw)
	encoder.SetIndent("", "  ")
	encoder.Encode(v)
}

func writeJSONError(rw http.ResponseWriter, status int, message string) {
	writeJSON(rw, status, map[string]string{
		"error": message,
	})
}
