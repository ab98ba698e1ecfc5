/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package dagent

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"

	"github.com/pixelrisewebco/relayd/server/smtp/relay"
	"github.com/pixelrisewebco/relayd/utils"
)

type Session struct {
	ctx context.Context
	id  string

	router   Router
	logger   logrus.FieldLogger
	onLogout SessionCb

	domains map[string][]string

	from string
	opts *smtp.MailOptions
}

type SessionCb func(session *Session)

func NewSession(ctx context.Context, sessionID string, router Router, logger logrus.FieldLogger, onLogout SessionCb) (*Session, error) {
	return &Session{
		ctx:    ctx,
		id:     sessionID,
		router: router,
		logger: logger.WithFields(logrus.Fields{
			"scope":      "dagent-session",
			"session_id": sessionID,
		}),
		onLogout: onLogout,

		domains: make(map[string][]string),
	}, nil
}

var _ smtp.Session = (*Session)(nil) // Verify that *Session implements smtp.Session.

func (s *Session) Mail(from string, opts smtp.MailOptions) error {
	s.logger.WithField("from", from).Debugln("mail from")

	s.from = from
	s.opts = &opts

	return s.router.Mail(from, opts)
}

func (s *Session) Rcpt(rcptTo string) error {
	s.logger.WithField("rcptTo", rcptTo).Debugln("mail rcptTo")
	domain, err := utils.GetDomainFromEmail(rcptTo)
	if err != nil {
		s.logger.WithError(err).Debugln("invalid rcpt to value")
		return ErrRequestedActionNotTaken
	}

	s.domains[domain] = append(s.domains[domain], rcptTo)

	return nil
}

// Data reads the complete message and delivers it to all collected recipient
// domains sequentially. The transaction fails as a whole on the first domain
// that cannot be delivered to.
func (s *Session) Data(r io.Reader) error {
	s.logger.Debugln("smtp mail data")

	data, err := io.ReadAll(r)
	if err != nil {
		s.logger.WithError(err).Errorln("data failed to read")
		return ErrTransactionFailed
	}

	route, routeErr := s.getRoute(data)
	if routeErr != nil {
		return routeErr
	}

	for domain, rcptTos := range s.domains {
		result := route.Deliver(s.ctx, domain, rcptTos)
		if !result.Success {
			s.logger.WithFields(logrus.Fields{
				"domain": domain,
				"reason": result.Reason,
			}).Warnln("smtp route delivery failed")
			return smtpErrorFromResult(result)
		}
	}

	s.logger.Debugln("smtp mail data done")
	return nil
}

// LMTPData delivers the message to each recipient domain concurrently with a
// per recipient status report, bounded to five domains in flight.
func (s *Session) LMTPData(r io.Reader, status smtp.StatusCollector) error {
	data, err := io.ReadAll(r)
	if err != nil {
		s.logger.WithError(err).Errorln("lmtp data failed to read")
		return ErrTransactionFailed
	}

	route, routeErr := s.getRoute(data)
	if routeErr != nil {
		for _, rcptTos := range s.domains {
			for _, rcptTo := range rcptTos {
				status.SetStatus(rcptTo, routeErr)
			}
		}
		return nil
	}

	var wg sync.WaitGroup
	var concurrency = make(chan struct{}, 5)

	wg.Add(len(s.domains))
domainsLoop:
	for domain, rcptTos := range s.domains {
		select {
		case <-s.ctx.Done():
			wg.Done()
			continue domainsLoop
		case concurrency <- struct{}{}:
		}
		go func(d string, a []string) {
			defer func() {
				<-concurrency
				wg.Done()
			}()

			result := route.Deliver(s.ctx, d, a)
			resultErr := smtpErrorFromResult(result)
			for _, rcptTo := range a {
				s.logger.WithFields(logrus.Fields{
					"domain": d,
					"status": resultErr,
					"rcptTo": rcptTo,
				}).Debugln("lmtp set status")
				status.SetStatus(rcptTo, resultErr)
			}
		}(domain, rcptTos)
	}
	wg.Wait()
	s.logger.Debugln("lmtp data done")

	return nil
}

func (s *Session) getRoute(data []byte) (Route, error) {
	route, err := s.router.GetRoute(s.from, data)
	if err != nil {
		s.logger.WithError(err).Errorln("failed to get smtp route")
		var signingErr *relay.SigningError
		if errors.As(err, &signingErr) {
			return nil, ErrSigningFailed
		}
		return nil, ErrLocalErrorInProcessingError
	}
	if route == nil {
		s.logger.Warnln("no smtp route available")
		return nil, ErrServiceNotAvailable
	}
	return route, nil
}

func (s *Session) Reset() {
	s.logger.Debugln("mail reset")

	s.domains = make(map[string][]string)

	s.from = ""
	s.opts = nil
}

func (s *Session) Logout() error {
	s.logger.Debugln("mail logout")
	if s.onLogout != nil {
		s.onLogout(s)
	}
	return nil
}
