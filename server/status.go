/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jinzhu/copier"
)

type Status struct {
	sync.RWMutex

	Hostname string `json:"hostname"`

	DAgentListenAddress string `json:"dagent_listen"`
	HTTPListenAddress   string `json:"http_listen"`

	DKIMPolicy string   `json:"dkim_policy"`
	Domains    []string `json:"domains"`

	Smarthost string `json:"smarthost,omitempty"`

	StartedAt *time.Time `json:"started_at"`

	Attempted uint64 `json:"deliveries_attempted"`
	Delivered uint64 `json:"deliveries_succeeded"`
	Failed    uint64 `json:"deliveries_failed"`
}

func (status *Status) Copy() (*Status, error) {
	status.RLock()
	defer status.RUnlock()

	s := &Status{}
	err := copier.CopyWithOption(s, status, copier.Option{
		IgnoreEmpty: true,
		DeepCopy:    true,
	})

	return s, err
}

// Status returns a deep copy snapshot of the current server status with the
// live delivery counters and key ring domains filled in.
func (server *Server) Status() (*Status, error) {
	status, err := server.status.Copy()
	if err != nil {
		return nil, err
	}

	status.Domains = server.signer.Ring().Domains()
	status.Attempted = atomic.LoadUint64(&server.attempted)
	status.Delivered = atomic.LoadUint64(&server.delivered)
	status.Failed = atomic.LoadUint64(&server.failed)

	return status, nil
}
