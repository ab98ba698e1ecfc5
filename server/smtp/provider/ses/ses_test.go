/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package ses

import (
	"context"
	"errors"
	"io"
	"testing"

	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSendEmailAPI struct {
	input *sesv2.SendEmailInput
	err   error
}

func (m *mockSendEmailAPI) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.input = params
	if m.err != nil {
		return nil, m.err
	}
	return &sesv2.SendEmailOutput{}, nil
}

func newTestSmarthost(client SendEmailAPI) *Smarthost {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewWithClient(logger, client)
}

func TestSmarthostSend(t *testing.T) {
	mock := &mockSendEmailAPI{}
	s := newTestSmarthost(mock)

	msg := []byte("From: sender@example.com\r\n\r\nhi\r\n")
	err := s.Send(context.Background(), "sender@example.com", []string{"a@other.org", "b@other.org"}, msg)
	require.NoError(t, err)

	require.NotNil(t, mock.input)
	assert.Equal(t, "sender@example.com", *mock.input.FromEmailAddress)
	assert.Equal(t, []string{"a@other.org", "b@other.org"}, mock.input.Destination.ToAddresses)
	assert.Equal(t, msg, mock.input.Content.Raw.Data)
}

func TestSmarthostSendError(t *testing.T) {
	sendErr := errors.New("throttled")
	s := newTestSmarthost(&mockSendEmailAPI{err: sendErr})

	err := s.Send(context.Background(), "sender@example.com", []string{"a@other.org"}, []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, sendErr)
}

func TestSmarthostName(t *testing.T) {
	assert.Equal(t, "ses", newTestSmarthost(&mockSendEmailAPI{}).Name())
}
