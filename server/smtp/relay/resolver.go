/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// MXHost is a single mail exchanger candidate for a recipient domain.
type MXHost struct {
	Pref uint16
	Host string
}

// Resolver resolves a recipient domain to an ordered list of mail exchanger
// hosts, most preferred first.
type Resolver interface {
	Resolve(ctx context.Context, domain string) ([]MXHost, error)
}

var errNullMX = errors.New("domain does not accept mail (null MX)")

// NetResolver resolves MX records using the platform stub resolver. Results
// are not cached, every delivery resolves again.
type NetResolver struct {
	logger logrus.FieldLogger

	lookupMX func(ctx context.Context, domain string) ([]*net.MX, error)
}

var _ Resolver = (*NetResolver)(nil)

func NewNetResolver(logger logrus.FieldLogger) *NetResolver {
	resolver := &net.Resolver{}

	return &NetResolver{
		logger: logger.WithFields(logrus.Fields{
			"scope": "resolver",
		}),

		lookupMX: resolver.LookupMX,
	}
}

// Resolve returns the MX hosts for domain sorted ascending by preference,
// ties keeping response order. A domain without MX records falls back to the
// bare domain itself with preference 0, as required by RFC 5321 section 5.1.
func (r *NetResolver) Resolve(ctx context.Context, domain string) ([]MXHost, error) {
	domain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
	if domain == "" {
		return nil, &ResolveError{Domain: domain, Err: errors.New("empty domain")}
	}

	records, err := r.lookupMX(ctx, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			// The stub resolver reports NXDOMAIN and a present domain
			// without MX records the same way. Fall back to the bare
			// domain, a nonexistent domain fails at connect instead.
			r.logger.WithField("domain", domain).Debugln("no MX records, falling back to bare domain")
			return []MXHost{{Pref: 0, Host: domain}}, nil
		}
		return nil, &ResolveError{Domain: domain, Err: err}
	}

	if len(records) == 0 {
		r.logger.WithField("domain", domain).Debugln("no MX records, falling back to bare domain")
		return []MXHost{{Pref: 0, Host: domain}}, nil
	}

	hosts := make([]MXHost, 0, len(records))
	for _, record := range records {
		host := strings.TrimSuffix(record.Host, ".")
		if host == "" {
			// RFC 7505 null MX, the domain opted out of receiving mail.
			return nil, &ResolveError{Domain: domain, Err: errNullMX}
		}
		hosts = append(hosts, MXHost{
			Pref: record.Pref,
			Host: host,
		})
	}

	sort.SliceStable(hosts, func(i, j int) bool {
		return hosts[i].Pref < hosts[j].Pref
	})

	r.logger.WithFields(logrus.Fields{
		"domain": domain,
		"hosts":  fmt.Sprintf("%v", hosts),
	}).Debugln("resolved MX hosts")

	return hosts, nil
}
