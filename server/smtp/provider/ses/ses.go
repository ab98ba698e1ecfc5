/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

// Package ses implements a relay smarthost backed by AWS SES v2. It is used
// as the authenticated fallback transport after direct MX delivery has been
// exhausted with transient failures.
package ses

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/sirupsen/logrus"
)

// Config bundles smarthost settings.
type Config struct {
	Logger logrus.FieldLogger

	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// SendEmailAPI is the subset of the SES v2 client used by the smarthost,
// replaced by mocks in tests.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Smarthost relays already signed wire format messages through SES.
type Smarthost struct {
	logger logrus.FieldLogger
	client SendEmailAPI
}

// New creates a SES smarthost with the given configuration.
func New(ctx context.Context, config *Config) (*Smarthost, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(config.Region),
	}

	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, ""),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Smarthost{
		logger: config.Logger.WithFields(logrus.Fields{
			"scope": "smarthost-ses",
		}),
		client: sesv2.NewFromConfig(awsConfig),
	}, nil
}

// NewWithClient creates a smarthost with a custom client, used for testing.
func NewWithClient(logger logrus.FieldLogger, client SendEmailAPI) *Smarthost {
	return &Smarthost{
		logger: logger.WithFields(logrus.Fields{
			"scope": "smarthost-ses",
		}),
		client: client,
	}
}

func (s *Smarthost) Name() string {
	return "ses"
}

// Send submits the raw message content via the SES v2 API. The message keeps
// its DKIM signature, SES adds its own on top.
func (s *Smarthost) Send(ctx context.Context, from string, rcptTo []string, msg []byte) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses: rcptTo,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: msg,
			},
		},
	}

	if _, err := s.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("failed to send via SES: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"from":    from,
		"rcpt_to": rcptTo,
	}).Debugln("message relayed via SES")

	return nil
}
