/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package server

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/pixelrisewebco/relayd/server/smtp/relay"
)

// Config bundles configuration settings.
type Config struct {
	Logger logrus.FieldLogger

	OnReady  func(*Server)
	OnStatus func(*Server)

	// Hostname is presented in EHLO/HELO to remote mail exchangers.
	Hostname string

	DAgentListenAddress string
	HTTPListenAddress   string

	KeysPath        string
	RelayConfigFile string
	DKIMSelector    string
	DKIMPolicy      relay.SignPolicy

	SMTPPort       int
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	DataTimeout    time.Duration

	StatePath string

	LMTP bool
}

// FileConfig is the optional YAML relay configuration file with per domain
// DKIM key entries and smarthost credentials.
type FileConfig struct {
	DKIMKeys  []FileKeyEntry `yaml:"dkim_keys"`
	Smarthost *FileSmarthost `yaml:"smarthost"`
}

type FileKeyEntry struct {
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

type FileSmarthost struct {
	Provider        string `yaml:"provider"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// LoadFileConfig reads and parses the relay configuration file. An empty
// file name yields an empty configuration.
func LoadFileConfig(fn string) (*FileConfig, error) {
	fileConfig := &FileConfig{}
	if fn == "" {
		return fileConfig, nil
	}

	raw, err := os.ReadFile(fn)
	if err != nil {
		return nil, fmt.Errorf("failed to read relay config: %w", err)
	}

	if err = yaml.Unmarshal(raw, fileConfig); err != nil {
		return nil, fmt.Errorf("failed to parse relay config: %w", err)
	}

	return fileConfig, nil
}

// KeySources converts the configured DKIM key entries into loadable key
// sources.
func (fc *FileConfig) KeySources() []relay.KeySource {
	sources := make([]relay.KeySource, 0, len(fc.DKIMKeys))
	for _, entry := range fc.DKIMKeys {
		sources = append(sources, relay.KeySource{
			Domain:   entry.Domain,
			Selector: entry.Selector,
			KeyFile:  entry.KeyFile,
		})
	}
	return sources
}
