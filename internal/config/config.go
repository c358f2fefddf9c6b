// Package config resolves the Configuration value the core consumes:
// a YAML file (if any) is unmarshalled first, then any cobra flag the
// caller actually set on the command line overrides the corresponding
// field.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// TLSConfig holds the client certificate material used to prep the
// catalog-apply environment and to authenticate the WebSocket
// connection to the broker.
type TLSConfig struct {
	CA   string `yaml:"ca"`
	Cert string `yaml:"crt"`
	Key  string `yaml:"key"`
	CRL  string `yaml:"crl"`
}

// Configuration is the fully-resolved value the agent core depends on.
type Configuration struct {
	BrokerWSURI string `yaml:"broker_ws_uri"`
	Identity    string `yaml:"identity"`

	SpoolDir         string `yaml:"spool_dir"`
	SpoolDirPurgeTTL string `yaml:"spool_dir_purge_ttl"`
	ModulesDir       string `yaml:"modules_dir"`
	ModulesConfigDir string `yaml:"modules_config_dir"`
	TasksDir         string `yaml:"tasks_dir"`
	CacheDir         string `yaml:"cache_dir"`
	CacheDirPurgeTTL string `yaml:"cache_dir_purge_ttl"`
	ExecPrefix       string `yaml:"exec_prefix"`
	LibexecPath      string `yaml:"libexec_path"`

	MasterURIs []string  `yaml:"master_uris"`
	TLS        TLSConfig `yaml:"tls"`
	Proxy      string    `yaml:"proxy"`

	DownloadConnectTimeout time.Duration `yaml:"download_connect_timeout"`
	DownloadTimeout        time.Duration `yaml:"download_timeout"`
	PingIntervalS          int           `yaml:"ping_interval_s"`

	PIDFile   string `yaml:"pid_file"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	MetricsNamespace string `yaml:"metrics_namespace"`
}

// DefaultConfiguration returns a Configuration with sensible defaults,
// matching the values a stock pxp-agent.conf ships with.
func DefaultConfiguration() *Configuration {
	return &Configuration{
		BrokerWSURI:            "wss://localhost:8142/pxp/v1",
		Identity:               "pxp-agent",
		SpoolDir:               "/opt/puppetlabs/pxp-agent/spool",
		SpoolDirPurgeTTL:       "14d",
		ModulesDir:             "/opt/puppetlabs/pxp-agent/modules",
		ModulesConfigDir:       "/etc/puppetlabs/pxp-agent/modules.d",
		TasksDir:               "/opt/puppetlabs/pxp-agent/tasks-cache",
		CacheDir:               "/opt/puppetlabs/pxp-agent/cache",
		CacheDirPurgeTTL:       "14d",
		ExecPrefix:             "/opt/puppetlabs/puppet/bin",
		LibexecPath:            "/opt/puppetlabs/puppet/libexec",
		DownloadConnectTimeout: 10 * time.Second,
		DownloadTimeout:        5 * time.Minute,
		PingIntervalS:          60,
		PIDFile:                "/var/run/puppetlabs/pxp-agent.pid",
		LogLevel:               "info",
		LogFormat:              "text",
		MetricsNamespace:       "pxp_agent",
	}
}

// LoadFromFile unmarshals a YAML config file over DefaultConfiguration.
func LoadFromFile(path string) (*Configuration, error) {
	cfg := DefaultConfiguration()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// flagSet bundles the cobra flag variables BindFlags registers, so the
// closure it returns can tell which ones the user actually set.
type flagSet struct {
	brokerWSURI                    string
	identity                       string
	spoolDir                       string
	spoolDirPurgeTTL                string
	modulesDir                     string
	modulesConfigDir               string
	tasksDir                       string
	cacheDir                       string
	cacheDirPurgeTTL               string
	execPrefix                     string
	libexecPath                    string
	masterURIs                     []string
	tlsCA, tlsCert, tlsKey, tlsCRL string
	proxy                          string
	downloadConnectTimeout         time.Duration
	downloadTimeout                time.Duration
	pingIntervalS                  int
	pidFile                        string
	logLevel                       string
	logFormat                      string
}

// BindFlags registers one persistent flag per Configuration field on cmd
// (every field except MetricsNamespace, which is set only from the
// config file) and returns a closure that applies only the flags the user actually
// set on the command line, overriding whatever a config file produced.
func BindFlags(cmd *cobra.Command) func(cfg *Configuration) {
	var fs flagSet
	flags := cmd.PersistentFlags()

	flags.StringVar(&fs.brokerWSURI, "broker-ws-uri", "", "Broker WebSocket URI")
	flags.StringVar(&fs.identity, "identity", "", "This agent's PCP identity")
	flags.StringVar(&fs.spoolDir, "spool-dir", "", "Non-blocking action results spool directory")
	flags.StringVar(&fs.spoolDirPurgeTTL, "spool-dir-purge-ttl", "", "Spool entry retention (e.g. 14d)")
	flags.StringVar(&fs.modulesDir, "modules-dir", "", "External module executables directory")
	flags.StringVar(&fs.modulesConfigDir, "modules-config-dir", "", "Per-module static configuration directory")
	flags.StringVar(&fs.tasksDir, "tasks-dir", "", "Task executables root")
	flags.StringVar(&fs.cacheDir, "cache-dir", "", "Content-addressed module cache directory")
	flags.StringVar(&fs.cacheDirPurgeTTL, "cache-dir-purge-ttl", "", "Cache entry retention (e.g. 14d)")
	flags.StringVar(&fs.execPrefix, "exec-prefix", "", "Directory containing the execution wrapper helper binaries")
	flags.StringVar(&fs.libexecPath, "libexec-path", "", "Directory containing the apply_ruby_shim.rb helper")
	flags.StringSliceVar(&fs.masterURIs, "master-uris", nil, "Puppet master URIs, in preference order")
	flags.StringVar(&fs.tlsCA, "ssl-ca-cert", "", "CA certificate path")
	flags.StringVar(&fs.tlsCert, "ssl-cert", "", "Client certificate path")
	flags.StringVar(&fs.tlsKey, "ssl-key", "", "Client private key path")
	flags.StringVar(&fs.tlsCRL, "ssl-crl", "", "Certificate revocation list path")
	flags.StringVar(&fs.proxy, "proxy", "", "HTTP proxy for downloads")
	flags.DurationVar(&fs.downloadConnectTimeout, "download-connect-timeout", 0, "Download connect timeout")
	flags.DurationVar(&fs.downloadTimeout, "download-timeout", 0, "Download timeout")
	flags.IntVar(&fs.pingIntervalS, "ping-interval-s", 0, "WebSocket ping interval, seconds")
	flags.StringVar(&fs.pidFile, "pid-file", "", "PID file path")
	flags.StringVar(&fs.logLevel, "log-level", "", "debug, info, warn, or error")
	flags.StringVar(&fs.logFormat, "log-format", "", "text or json")

	return func(cfg *Configuration) {
		changed := cmd.Flags().Changed
		if changed("broker-ws-uri") {
			cfg.BrokerWSURI = fs.brokerWSURI
		}
		if changed("identity") {
			cfg.Identity = fs.identity
		}
		if changed("spool-dir") {
			cfg.SpoolDir = fs.spoolDir
		}
		if changed("spool-dir-purge-ttl") {
			cfg.SpoolDirPurgeTTL = fs.spoolDirPurgeTTL
		}
		if changed("modules-dir") {
			cfg.ModulesDir = fs.modulesDir
		}
		if changed("modules-config-dir") {
			cfg.ModulesConfigDir = fs.modulesConfigDir
		}
		if changed("tasks-dir") {
			cfg.TasksDir = fs.tasksDir
		}
		if changed("cache-dir") {
			cfg.CacheDir = fs.cacheDir
		}
		if changed("cache-dir-purge-ttl") {
			cfg.CacheDirPurgeTTL = fs.cacheDirPurgeTTL
		}
		if changed("exec-prefix") {
			cfg.ExecPrefix = fs.execPrefix
		}
		if changed("libexec-path") {
			cfg.LibexecPath = fs.libexecPath
		}
		if changed("master-uris") {
			cfg.MasterURIs = fs.masterURIs
		}
		if changed("ssl-ca-cert") {
			cfg.TLS.CA = fs.tlsCA
		}
		if changed("ssl-cert") {
			cfg.TLS.Cert = fs.tlsCert
		}
		if changed("ssl-key") {
			cfg.TLS.Key = fs.tlsKey
		}
		if changed("ssl-crl") {
			cfg.TLS.CRL = fs.tlsCRL
		}
		if changed("proxy") {
			cfg.Proxy = fs.proxy
		}
		if changed("download-connect-timeout") {
			cfg.DownloadConnectTimeout = fs.downloadConnectTimeout
		}
		if changed("download-timeout") {
			cfg.DownloadTimeout = fs.downloadTimeout
		}
		if changed("ping-interval-s") {
			cfg.PingIntervalS = fs.pingIntervalS
		}
		if changed("pid-file") {
			cfg.PIDFile = fs.pidFile
		}
		if changed("log-level") {
			cfg.LogLevel = fs.logLevel
		}
		if changed("log-format") {
			cfg.LogFormat = fs.logFormat
		}
	}
}

// Load resolves the final Configuration for a cobra invocation: the
// config file named by configFile (or DefaultConfiguration if empty),
// with applyFlags (as returned by BindFlags) layered on top.
func Load(configFile string, applyFlags func(*Configuration)) (*Configuration, error) {
	var cfg *Configuration
	if configFile != "" {
		loaded, err := LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = DefaultConfiguration()
	}
	applyFlags(cfg)
	return cfg, nil
}
