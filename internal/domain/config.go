// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

type Config struct {
	Version       string
	Host          string `toml:"host" mapstructure:"host"`
	Port          int    `toml:"port" mapstructure:"port"`
	BaseURL       string `toml:"baseUrl" mapstructure:"baseUrl"`
	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir       string `toml:"dataDir" mapstructure:"dataDir"`

	// Comma separated origins allowed to call the API from a browser. Empty means same-origin only.
	CORSAllowedOrigins string `toml:"corsAllowedOrigins" mapstructure:"corsAllowedOrigins"`

	MetricsEnabled        bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost           string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort           int    `toml:"metricsPort" mapstructure:"metricsPort"`
	MetricsBasicAuthUsers string `toml:"metricsBasicAuthUsers" mapstructure:"metricsBasicAuthUsers"`

	// aria2 daemon
	DaemonURL         string `toml:"daemonUrl" mapstructure:"daemonUrl"`
	DaemonSecret      string `toml:"daemonSecret" mapstructure:"daemonSecret"`
	DaemonTimeout     int    `toml:"daemonTimeout" mapstructure:"daemonTimeout"`
	ReconcileInterval int    `toml:"reconcileInterval" mapstructure:"reconcileInterval"`

	// Defaults for the persisted download settings
	DownloadDir            string `toml:"downloadDir" mapstructure:"downloadDir"`
	MaxDownloadSpeed       int64  `toml:"maxDownloadSpeed" mapstructure:"maxDownloadSpeed"`
	MaxUploadSpeed         int64  `toml:"maxUploadSpeed" mapstructure:"maxUploadSpeed"`
	MaxConcurrentDownloads int    `toml:"maxConcurrentDownloads" mapstructure:"maxConcurrentDownloads"`
	MaxConnectionsPerTask  int    `toml:"maxConnectionsPerTask" mapstructure:"maxConnectionsPerTask"`
}
