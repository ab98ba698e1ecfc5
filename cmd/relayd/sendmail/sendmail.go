/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package sendmail

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pixelrisewebco/relayd/cmd/relayd/common"
	"github.com/pixelrisewebco/relayd/cmd/relayd/serve"
	"github.com/pixelrisewebco/relayd/server"
	"github.com/pixelrisewebco/relayd/server/smtp/relay"
)

// CommandSendmail provides a one shot delivery without a running service,
// mainly useful for deliverability testing of a fresh DKIM and DNS setup.
func CommandSendmail() *cobra.Command {
	sendmailCmd := &cobra.Command{
		Use:   "sendmail --from <address> --to <address> [...args]",
		Short: "Deliver a single message directly",
		Run: func(cmd *cobra.Command, args []string) {
			if err := sendmail(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}

	sendmailCmd.Flags().String("log-level", "warn", "Log level (one of panic, fatal, error, warn, info or debug)")
	sendmailCmd.Flags().String("from", "", "Envelope and header from address")
	sendmailCmd.Flags().String("from-name", "", "Display name for the from header")
	sendmailCmd.Flags().String("to", "", "Recipient address")
	sendmailCmd.Flags().String("subject", "", "Message subject")
	sendmailCmd.Flags().String("body", "", "Message body, - reads from stdin")
	sendmailCmd.Flags().Bool("html", false, "Send body as text/html")
	sendmailCmd.Flags().StringVar(&serve.DefaultHostname, "hostname", serve.DefaultHostname, "Hostname presented in EHLO to remote mail exchangers")
	sendmailCmd.Flags().StringVar(&serve.DefaultKeysPath, "keys-path", serve.DefaultKeysPath, "Path to the folder containing per domain DKIM key files")
	sendmailCmd.Flags().StringVar(&serve.DefaultRelayConfig, "relay-config", serve.DefaultRelayConfig, "Full path to relay YAML configuration file")
	sendmailCmd.Flags().StringVar(&serve.DefaultDKIMSelector, "dkim-selector", serve.DefaultDKIMSelector, "DKIM selector for keys loaded from keys-path")
	sendmailCmd.Flags().StringVar(&serve.DefaultDKIMPolicy, "dkim-policy", serve.DefaultDKIMPolicy, "DKIM sign policy (one of optional or require)")
	sendmailCmd.Flags().IntVar(&serve.DefaultSMTPPort, "smtp-port", serve.DefaultSMTPPort, "Destination port for outbound SMTP")
	sendmailCmd.Flags().Duration("timeout", 5*time.Minute, "Overall delivery timeout")
	sendmailCmd.MarkFlagRequired("from")
	sendmailCmd.MarkFlagRequired("to")

	return sendmailCmd
}

func sendmail(cmd *cobra.Command, args []string) error {
	if err := common.ApplyFlagsFromEnvFile(cmd, nil); err != nil {
		return err
	}

	logLevel, _ := cmd.Flags().GetString("log-level")
	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}

	dkimPolicy, err := relay.ParseSignPolicy(serve.DefaultDKIMPolicy)
	if err != nil {
		return err
	}

	fileConfig, err := server.LoadFileConfig(serve.DefaultRelayConfig)
	if err != nil {
		return err
	}

	var sources []relay.KeySource
	if serve.DefaultKeysPath != "" {
		sources, err = relay.DirKeySources(serve.DefaultKeysPath, serve.DefaultDKIMSelector)
		if err != nil {
			return err
		}
	}
	sources = append(sources, fileConfig.KeySources()...)

	ring, err := relay.LoadKeyRing(sources)
	if err != nil {
		return err
	}

	deliverer, err := relay.NewDeliverer(&relay.DelivererConfig{
		Logger: logger,

		Resolver: relay.NewNetResolver(logger),
		Signer:   relay.NewSigner(ring, logger),

		SignPolicy: dkimPolicy,
		HELODomain: serve.DefaultHostname,

		Port: serve.DefaultSMTPPort,
	})
	if err != nil {
		return err
	}

	msg, err := messageFromFlags(cmd)
	if err != nil {
		return err
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result := deliverer.Deliver(ctx, msg)

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	encoder.Encode(result)

	if !result.Success {
		return fmt.Errorf("delivery failed: %s", result.Reason)
	}

	return nil
}

func messageFromFlags(cmd *cobra.Command) (*relay.OutboundMessage, error) {
	from, _ := cmd.Flags().GetString("from")
	fromName, _ := cmd.Flags().GetString("from-name")
	to, _ := cmd.Flags().GetString("to")
	subject, _ := cmd.Flags().GetString("subject")
	body, _ := cmd.Flags().GetString("body")
	html, _ := cmd.Flags().GetBool("html")

	if body == "-" {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read body from stdin: %w", err)
		}
		body = string(raw)
	}

	return &relay.OutboundMessage{
		From:     from,
		FromName: fromName,
		To:       to,
		Subject:  subject,
		Body:     body,
		HTML:     html,
	}, nil
}
