package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/puppetlabs/pxp-agent/internal/agent"
	"github.com/puppetlabs/pxp-agent/internal/config"
	"github.com/puppetlabs/pxp-agent/internal/connector"
	"github.com/puppetlabs/pxp-agent/internal/connector/wsconnector"
	"github.com/puppetlabs/pxp-agent/internal/host"
	"github.com/puppetlabs/pxp-agent/internal/logging"
	"github.com/puppetlabs/pxp-agent/internal/module"
	"github.com/puppetlabs/pxp-agent/internal/modulecache"
	"github.com/puppetlabs/pxp-agent/internal/modules/apply"
	"github.com/puppetlabs/pxp-agent/internal/modules/command"
	"github.com/puppetlabs/pxp-agent/internal/modules/downloadfile"
	"github.com/puppetlabs/pxp-agent/internal/modules/echo"
	"github.com/puppetlabs/pxp-agent/internal/modules/external"
	"github.com/puppetlabs/pxp-agent/internal/modules/inventory"
	"github.com/puppetlabs/pxp-agent/internal/modules/ping"
	"github.com/puppetlabs/pxp-agent/internal/modules/script"
	"github.com/puppetlabs/pxp-agent/internal/modules/task"
	"github.com/puppetlabs/pxp-agent/internal/processor"
	"github.com/puppetlabs/pxp-agent/internal/resultsdir"
	"github.com/puppetlabs/pxp-agent/internal/telemetry"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run pxp-agent as a broker-connected daemon",
		Long:  "Connect to the configured PXP broker and serve blocking and non-blocking action requests until signalled to stop",
	}

	applyFlags := config.BindFlags(cmd)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile, applyFlags)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logging.SetLevelFromString(cfg.LogLevel)
		logging.InitStructured(cfg.LogFormat, cfg.LogLevel)

		if host.IsExecuting(cfg.PIDFile) {
			return fmt.Errorf("pxp-agent is already running (see %s)", cfg.PIDFile)
		}
		pidFile, err := host.NewPIDFile(cfg.PIDFile)
		if err != nil {
			return fmt.Errorf("acquire pidfile: %w", err)
		}
		defer pidFile.Close()

		for _, dir := range []string{cfg.SpoolDir, cfg.CacheDir} {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return fmt.Errorf("create %s: %w", dir, err)
			}
		}

		storage := resultsdir.New(cfg.SpoolDir)
		cache := modulecache.New(cfg.CacheDir)

		mods, configs, err := loadModules(cfg, cache, storage)
		if err != nil {
			return fmt.Errorf("load modules: %w", err)
		}

		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return fmt.Errorf("build TLS config: %w", err)
		}

		conn := wsconnector.New(cfg.BrokerWSURI, tlsConfig)
		adaptor := connector.NewAdaptor(conn, cfg.Identity, 0)

		proc := processor.New(mods, configs, storage, adaptor, cfg.SpoolDirPurgeTTL)
		proc.RegisterCache(cache)
		proc.SetMetrics(telemetry.NewMetrics(prometheus.DefaultRegisterer, cfg.MetricsNamespace))

		a := agent.New(conn, proc)

		logging.Op().Info("pxp-agent starting", "broker", cfg.BrokerWSURI, "identity", cfg.Identity)

		return host.RunUntilSignal(func(ctx context.Context) error {
			return a.Run(ctx)
		})
	}

	return cmd
}

// loadModules constructs every built-in module plus one external.Module
// per executable found directly under cfg.ModulesDir, pairing each
// external module's name with a same-named config file (if any) under
// cfg.ModulesConfigDir the way modules.d pairs a module script with its
// static configuration.
func loadModules(cfg *config.Configuration, cache *modulecache.Cache, storage *resultsdir.Store) ([]module.Module, map[string]json.RawMessage, error) {
	mods := []module.Module{
		echo.New(),
		ping.New(),
		command.New(),
		inventory.New(),
		task.New(cfg.ExecPrefix),
		script.New(cfg.ExecPrefix, cfg.MasterURIs, cache, storage),
		apply.New(cfg.ExecPrefix, cfg.LibexecPath, cfg.MasterURIs, apply.TLSConfig{
			CA:    cfg.TLS.CA,
			Cert:  cfg.TLS.Cert,
			Key:   cfg.TLS.Key,
			CRL:   cfg.TLS.CRL,
			Proxy: cfg.Proxy,
		}, cache, storage),
		downloadfile.New(cfg.MasterURIs, cache),
	}

	configs := make(map[string]json.RawMessage)

	entries, err := os.ReadDir(cfg.ModulesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return mods, configs, nil
		}
		return nil, nil, fmt.Errorf("read modules dir %s: %w", cfg.ModulesDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Mode()&0111 == 0 {
			continue
		}

		name := entry.Name()
		execPath := filepath.Join(cfg.ModulesDir, name)

		moduleConfig := loadModuleConfig(cfg.ModulesConfigDir, name)

		m, err := external.Load(execPath, cfg.ExecPrefix, moduleConfig, storage)
		if err != nil {
			logging.Op().Warn("skipping external module", "path", execPath, "error", err)
			continue
		}
		mods = append(mods, m)
		if len(moduleConfig) > 0 {
			configs[m.Name()] = moduleConfig
		}
	}

	return mods, configs, nil
}

// loadModuleConfig reads name.conf from configDir, returning nil if it
// does not exist. A module with no static configuration is not an
// error; most external modules have none.
func loadModuleConfig(configDir, name string) json.RawMessage {
	data, err := os.ReadFile(filepath.Join(configDir, name+".conf"))
	if err != nil {
		return nil
	}
	return json.RawMessage(data)
}

// buildTLSConfig builds the client certificate bundle the WebSocket
// connector authenticates to the broker with. A configuration with no
// certificate material yields a nil *tls.Config, which wsconnector
// treats as plain TLS with the system root pool.
func buildTLSConfig(cfg *config.Configuration) (*tls.Config, error) {
	if cfg.TLS.Cert == "" && cfg.TLS.Key == "" && cfg.TLS.CA == "" {
		return nil, nil
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.TLS.Cert != "" || cfg.TLS.Key != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.Cert, cfg.TLS.Key)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.TLS.CA != "" {
		caBytes, err := os.ReadFile(cfg.TLS.CA)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("no certificates parsed from %s", cfg.TLS.CA)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}
