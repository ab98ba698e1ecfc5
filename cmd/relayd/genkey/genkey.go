/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package genkey

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pixelrisewebco/relayd/server/smtp/relay"
)

// Default param values used by this command.
var (
	DefaultSelector = relay.DefaultDKIMSelector
	DefaultKeyBits  = 2048
	DefaultOutDir   = "."
)

func CommandGenKey() *cobra.Command {
	genKeyCmd := &cobra.Command{
		Use:   "genkey --domain <domain>",
		Short: "Generate a DKIM key pair and the matching DNS records",
		Run: func(cmd *cobra.Command, args []string) {
			if err := genKey(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}

	genKeyCmd.Flags().String("domain", "", "Domain to generate the key pair for")
	genKeyCmd.Flags().StringVar(&DefaultSelector, "selector", DefaultSelector, "DKIM selector")
	genKeyCmd.Flags().IntVar(&DefaultKeyBits, "key-bits", DefaultKeyBits, "RSA key size in bits")
	genKeyCmd.Flags().StringVar(&DefaultOutDir, "out", DefaultOutDir, "Directory to write the key files to")
	genKeyCmd.MarkFlagRequired("domain")

	return genKeyCmd
}

func genKey(cmd *cobra.Command, args []string) error {
	domain, _ := cmd.Flags().GetString("domain")
	if domain == "" {
		return fmt.Errorf("domain must not be empty")
	}

	key, err := rsa.GenerateKey(rand.Reader, DefaultKeyBits)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to encode private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to encode public key: %w", err)
	}

	keyFile := filepath.Join(DefaultOutDir, domain+".key")
	err = writePEM(keyFile, "PRIVATE KEY", privDER, 0600)
	if err != nil {
		return err
	}

	pubFile := filepath.Join(DefaultOutDir, domain+".pub")
	err = writePEM(pubFile, "PUBLIC KEY", pubDER, 0644)
	if err != nil {
		return err
	}

	fmt.Printf("Private key: %s\n", keyFile)
	fmt.Printf("Public key : %s\n\n", pubFile)

	// DNS records which have to be published for the domain before remote
	// hosts accept its signed mail.
	fmt.Printf("%s._domainkey.%s. IN TXT \"v=DKIM1; k=rsa; p=%s\"\n\n",
		DefaultSelector, domain, base64.StdEncoding.EncodeToString(pubDER))
	fmt.Printf("%s. IN TXT \"v=spf1 a mx ~all\"\n\n", domain)
	fmt.Printf("_dmarc.%s. IN TXT \"v=DMARC1; p=none; rua=mailto:postmaster@%s\"\n", domain, domain)

	return nil
}

func writePEM(fn, blockType string, der []byte, mode os.FileMode) error {
	f, err := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", fn, err)
	}
	defer f.Close()

	err = pem.Encode(f, &pem.Block{
		Type:  blockType,
		Bytes: der,
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", fn, err)
	}

	return nil
}
