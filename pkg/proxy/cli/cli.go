//go:build cgo
// +build cgo

// Package cli implements the CLI app of the SLURM submission proxy
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/mahendrapaipuri/slurm-proxy/internal/common"
	internal_runtime "github.com/mahendrapaipuri/slurm-proxy/internal/runtime"
	"github.com/mahendrapaipuri/slurm-proxy/internal/security"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/base"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/catalog"
	proxy_http "github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/http"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/models"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/notifier"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/poller"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/registry"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/slurm"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/ssh"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/submit"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/token"
	"github.com/prometheus/client_golang/prometheus"
	promcollectors "github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/config"
	"github.com/prometheus/common/promslog"
	"github.com/prometheus/common/promslog/flag"
	"github.com/prometheus/common/version"
)

// defaultRestURL is used when neither the CLI flag nor the config file set
// the slurmrestd URL. It is the address of a slurmrestd listening on the
// standard port on the local host.
const defaultRestURL = "http://localhost:6820"

// SlurmProxyAppConfig contains the configuration of the SLURM proxy app.
type SlurmProxyAppConfig struct {
	Proxy SlurmProxyConfig `yaml:"slurm_proxy"`
}

// SetDirectory joins any relative file paths with dir.
func (c *SlurmProxyAppConfig) SetDirectory(dir string) {
	c.Proxy.Slurm.Web.SetDirectory(dir)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *SlurmProxyAppConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	// Set a default config
	*c = SlurmProxyAppConfig{
		SlurmProxyConfig{
			Slurm: SlurmClientConfig{
				Web: models.WebConfig{
					HTTPClientConfig: config.DefaultHTTPClientConfig,
				},
			},
		},
	}

	type plain SlurmProxyAppConfig

	return unmarshal((*plain)(c))
}

// SlurmProxyConfig contains the parts of the proxy config that cannot be
// expressed as CLI flags: the slurmrestd client options and the site
// specific task catalog entries.
type SlurmProxyConfig struct {
	Slurm       SlurmClientConfig        `yaml:"slurm"`
	TaskCatalog map[string]catalog.Entry `yaml:"task_catalog"`
}

// SlurmClientConfig contains the web client configuration of slurmrestd.
type SlurmClientConfig struct {
	Web models.WebConfig `yaml:"web"`
}

// SlurmProxy represents the `slurm_proxy` cli.
type SlurmProxy struct {
	appName string
	App     kingpin.Application
}

// NewSlurmProxy returns a new SlurmProxy instance.
func NewSlurmProxy() (*SlurmProxy, error) {
	return &SlurmProxy{
		appName: base.SlurmProxyAppName,
		App:     base.SlurmProxyApp,
	}, nil
}

// Main is the entry point of the `slurm_proxy` command.
func (p *SlurmProxy) Main() error {
	var (
		webListenAddresses = p.App.Flag(
			"web.listen-address",
			"Addresses on which to expose the proxy API.",
		).Default(":5001").Strings()
		webConfigFile = p.App.Flag(
			"web.config.file",
			"Path to configuration file that can enable TLS or authentication. See: https://github.com/prometheus/exporter-toolkit/blob/master/docs/web-configuration.md",
		).Envar("SLURM_PROXY_WEB_CONFIG_FILE").Default("").String()
		configFile = p.App.Flag(
			"config.file",
			"Configuration file path.",
		).Envar("SLURM_PROXY_CONFIG_FILE").Default("").String()
		restURL = p.App.Flag(
			"slurm.rest.url",
			"URL at which SLURM REST API server (slurmrestd) is reachable. Takes precedence over the URL in the config file.",
		).Envar("SLURM_REST_HOST").Default("").String()
		restAPIVersion = p.App.Flag(
			"slurm.rest.api-version",
			"Data parser plugin version of the SLURM REST API endpoints.",
		).Envar("SLURM_REST_API_DATA_PARSER_PLUGIN_VERSION").Default(slurm.DefaultAPIVersion).String()
		jwtSecretBase64 = p.App.Flag(
			"slurm.jwt.secret-base64",
			"base64 encoded HS256 secret shared with slurmrestd used to mint per user JWT tokens. Required for the rest transport.",
		).Envar("SLURM_JWT_HS256_KEY_BASE64").Default("").String()
		jwtExpiration = p.App.Flag(
			"slurm.jwt.expiration",
			"Validity of minted SLURM JWT tokens in seconds.",
		).Envar("SLURM_REST_JWT_EXPIRATION_TIME").Default("10").Int()
		transportMethod = p.App.Flag(
			"slurm.transport",
			"Transport used to communicate with the SLURM cluster. Either rest or ssh.",
		).Envar("SLURM_COMMUNICATION_METHOD").Default("rest").Enum("rest", "ssh")
		slurmTimeout = p.App.Flag(
			"slurm.timeout",
			"Timeout of the outbound SLURM requests.",
		).Default("10s").Duration()
		sshHost = p.App.Flag(
			"ssh.hostname",
			"Hostname of the SLURM login node used by the ssh transport.",
		).Envar("SSH_HOSTNAME").Default("").String()
		sshPort = p.App.Flag(
			"ssh.port",
			"SSH port of the SLURM login node.",
		).Envar("SSH_PORT").Default("22").Int()
		sshUser = p.App.Flag(
			"ssh.username",
			"User the ssh transport connects as.",
		).Envar("SSH_USERNAME").Default("").String()
		sshKeyFile = p.App.Flag(
			"ssh.private-key-file",
			"Path to the private key the ssh transport authenticates with.",
		).Envar("SSH_PRIVATE_KEY_PATH").Default("").String()
		sshKnownHostsFile = p.App.Flag(
			"ssh.known-hosts-file",
			"Path to a known_hosts file used to verify the login node host key. Host keys are not verified when unset.",
		).Envar("SSH_KNOWN_HOSTS_PATH").Default("").String()
		pollInterval = p.App.Flag(
			"poller.interval",
			"Interval between job state polling cycles in minutes.",
		).Envar("MONITOR_POLLING_INTERVAL").Default("1").Int()
		pollMaxAge = p.App.Flag(
			"poller.created-at-max-age",
			"Only jobs created within this window, in seconds, are polled.",
		).Envar("MONITOR_JOB_CREATED_AT_MAX_AGE").Default("1209600").Int()
		dataPath = p.App.Flag(
			"storage.data.path",
			"Base path for proxy data storage.",
		).Envar("SLURM_PROXY_DATA_PATH").Default("data").String()
		queryTimeout = p.App.Flag(
			"storage.query.timeout",
			"Timeout of the job registry queries.",
		).Default("10s").Duration()
		smtpServer = p.App.Flag(
			"notifier.smtp.server",
			"SMTP server used by the email notification method.",
		).Envar("SMTP_SERVER").Default("smtp.example.com").String()
		smtpPort = p.App.Flag(
			"notifier.smtp.port",
			"Port of the SMTP server.",
		).Envar("SMTP_PORT").Default("587").Int()
		smtpUsername = p.App.Flag(
			"notifier.smtp.username",
			"Username to authenticate against the SMTP server. Email method is disabled when unset.",
		).Envar("SMTP_USERNAME").Default("").String()
		smtpPassword = p.App.Flag(
			"notifier.smtp.password",
			"Password to authenticate against the SMTP server.",
		).Envar("SMTP_PASSWORD").Default("").String()
		gmailCredentialsFile = p.App.Flag(
			"notifier.gmail.credentials-file",
			"Path to the Gmail API credentials file. Gmail method is disabled when unset.",
		).Envar("GMAIL_CREDENTIALS_PATH").Default("").String()
		slackBotToken = p.App.Flag(
			"notifier.slack.bot-token",
			"Bot token used by the Slack notification method. Slack method is disabled when unset.",
		).Envar("SLACK_BOT_TOKEN").Default("").String()
		slackChannel = p.App.Flag(
			"notifier.slack.channel",
			"Default channel the Slack notifications are posted to.",
		).Envar("SLACK_CHANNEL").Default("channel_name").String()
		rabbitMQHost = p.App.Flag(
			"notifier.rabbitmq.host",
			"Hostname of the RabbitMQ broker used by the rabbitmq notification method.",
		).Envar("RABBITMQ_HOST").Default("localhost").String()
		rabbitMQPort = p.App.Flag(
			"notifier.rabbitmq.port",
			"Port of the RabbitMQ broker.",
		).Envar("RABBITMQ_PORT").Default("5672").Int()
		rabbitMQUsername = p.App.Flag(
			"notifier.rabbitmq.username",
			"Username to authenticate against the RabbitMQ broker.",
		).Envar("RABBITMQ_USERNAME").Default("guest").String()
		rabbitMQPassword = p.App.Flag(
			"notifier.rabbitmq.password",
			"Password to authenticate against the RabbitMQ broker.",
		).Envar("RABBITMQ_PASSWORD").Default("guest").String()
		rabbitMQVHost = p.App.Flag(
			"notifier.rabbitmq.vhost",
			"Virtual host of the RabbitMQ broker.",
		).Envar("RABBITMQ_PATH").Default("/").String()
		maxProcs = p.App.Flag(
			"runtime.gomaxprocs", "The target number of CPUs Go will run on (GOMAXPROCS)",
		).Envar("GOMAXPROCS").Default("1").Int()

		// Hidden test flags
		dropPrivs = p.App.Flag(
			"security.drop-privileges",
			"Drop privileges and run as nobody when proxy is started as root.",
		).Default("true").Hidden().Bool()
		enableDebugServer = p.App.Flag(
			"web.debug-server",
			"Enable /debug/pprof profiling endpoints. (default: disabled).",
		).Default("false").Hidden().Bool()
	)

	// Socket activation only available on Linux
	systemdSocket := func() *bool { b := false; return &b }() //nolint:nlreturn
	if runtime.GOOS == "linux" {
		systemdSocket = p.App.Flag(
			"web.systemd-socket",
			"Use systemd socket activation listeners instead of port listeners (Linux only).",
		).Hidden().Bool()
	}

	promslogConfig := &promslog.Config{}
	flag.AddFlags(&p.App, promslogConfig)
	p.App.Version(version.Print(p.appName))
	p.App.UsageWriter(os.Stdout)
	p.App.HelpFlag.Short('h')

	_, err := p.App.Parse(os.Args[1:])
	if err != nil {
		return fmt.Errorf("failed to parse CLI flags: %w", err)
	}

	// Get absolute path for web config file if provided
	var webConfigFilePath string
	if *webConfigFile != "" {
		webConfigFilePath, err = filepath.Abs(*webConfigFile)
		if err != nil {
			return fmt.Errorf("failed to get absolute path of the web config file: %w", err)
		}
	}

	// Proxy config file is optional. Everything except the slurmrestd client
	// TLS/auth options and extra task catalog entries can be set with flags.
	appConfig := &SlurmProxyAppConfig{
		Proxy: SlurmProxyConfig{
			Slurm: SlurmClientConfig{
				Web: models.WebConfig{
					HTTPClientConfig: config.DefaultHTTPClientConfig,
				},
			},
		},
	}

	var configFilePath string

	if *configFile != "" {
		configFilePath, err = filepath.Abs(*configFile)
		if err != nil {
			return fmt.Errorf("failed to get absolute path of the config file: %w", err)
		}

		appConfig, err = common.MakeConfig[SlurmProxyAppConfig](configFilePath)
		if err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}

		// Relative paths in the config file are resolved against its directory
		appConfig.SetDirectory(filepath.Dir(configFilePath))
	}

	// Set logger here after properly configuring promslog
	logger := promslog.New(promslogConfig)

	logger.Info("Starting "+p.appName, "version", version.Info())
	logger.Info(
		"Operational information", "build_context", version.BuildContext(),
		"host_details", internal_runtime.Uname(), "fd_limits", internal_runtime.FdLimits(),
	)

	runtime.GOMAXPROCS(*maxProcs)
	logger.Debug("Go MAXPROCS", "procs", runtime.GOMAXPROCS(0))

	// Create the data directory before dropping privileges so that its
	// ownership can be handed over to the unprivileged user.
	dataDir, err := filepath.Abs(*dataPath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path of the data directory: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if *dropPrivs {
		securityCfg := &security.Config{
			RunAsUser:      "nobody",
			ReadPaths:      []string{webConfigFilePath, configFilePath, *sshKeyFile, *sshKnownHostsFile, *gmailCredentialsFile},
			ReadWritePaths: []string{dataDir},
		}

		// Drop all unnecessary privileges
		if err := security.DropPrivileges(securityCfg); err != nil {
			return err
		}
	}

	// Task catalog with the site specific entries from the config file
	taskCatalog, err := catalog.New(appConfig.Proxy.TaskCatalog)
	if err != nil {
		logger.Error("Failed to create task catalog", "err", err)

		return err
	}

	logger.Info("Task catalog", "tasks", len(taskCatalog.Names()))

	// All proxy metrics end up on the same custom registry that is exposed
	// on /metrics
	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(
		versioncollector.NewCollector(p.appName),
		promcollectors.NewProcessCollector(promcollectors.ProcessCollectorOpts{}),
		promcollectors.NewGoCollector(),
	)

	jobRegistry, err := registry.New(&registry.Config{
		Logger:       logger.With("subsystem", "registry"),
		DataPath:     dataDir,
		QueryTimeout: *queryTimeout,
	})
	if err != nil {
		logger.Error("Failed to open job registry", "err", err)

		return err
	}

	// Set up the transport towards the SLURM cluster. The REST transport
	// needs a token minter whereas the SSH transport needs the login node
	// credentials. Only the configured one is created.
	var (
		transport  submit.Transport
		restClient *slurm.Client
		sshClient  *ssh.Client
	)

	switch *transportMethod {
	case "rest":
		minter, err := token.New(&token.Config{
			SecretBase64: *jwtSecretBase64,
			TTL:          time.Duration(*jwtExpiration) * time.Second,
			Logger:       logger.With("subsystem", "token"),
		})
		if err != nil {
			logger.Error("Failed to create SLURM JWT minter", "err", err)

			return err
		}

		// CLI flag takes precedence over the config file URL
		webConfig := appConfig.Proxy.Slurm.Web
		if *restURL != "" {
			webConfig.URL = *restURL
		}

		if webConfig.URL == "" {
			webConfig.URL = defaultRestURL
		}

		restClient, err = slurm.New(&slurm.Config{
			Web:        webConfig,
			APIVersion: *restAPIVersion,
			Timeout:    *slurmTimeout,
			Minter:     minter,
			Logger:     logger.With("subsystem", "slurm"),
		})
		if err != nil {
			logger.Error("Failed to create SLURM REST client", "err", err)

			return err
		}

		transport = restClient
	case "ssh":
		sshClient, err = ssh.New(&ssh.Config{
			Host:           *sshHost,
			Port:           *sshPort,
			User:           *sshUser,
			PrivateKeyPath: *sshKeyFile,
			KnownHostsPath: *sshKnownHostsFile,
			Timeout:        *slurmTimeout,
			Logger:         logger.With("subsystem", "ssh"),
		})
		if err != nil {
			logger.Error("Failed to create SSH client", "err", err)

			return err
		}

		transport = sshClient
	}

	logger.Info("SLURM transport", "method", *transportMethod)

	notifierHub, err := notifier.NewHub(&notifier.Config{
		Logger:     logger.With("subsystem", "notifier"),
		Catalog:    taskCatalog,
		Registerer: metricsRegistry,
		SMTP: notifier.SMTPConfig{
			Server:   *smtpServer,
			Port:     *smtpPort,
			Username: *smtpUsername,
			Password: *smtpPassword,
		},
		Gmail: notifier.GmailConfig{
			CredentialsFile: *gmailCredentialsFile,
		},
		Slack: notifier.SlackConfig{
			BotToken: *slackBotToken,
			Channel:  *slackChannel,
		},
		RabbitMQ: notifier.RabbitMQConfig{
			Host:     *rabbitMQHost,
			Port:     *rabbitMQPort,
			Username: *rabbitMQUsername,
			Password: *rabbitMQPassword,
			VHost:    *rabbitMQVHost,
		},
	})
	if err != nil {
		logger.Error("Failed to create notifier hub", "err", err)

		return err
	}

	submitter, err := submit.New(&submit.Config{
		Logger:     logger.With("subsystem", "submit"),
		Catalog:    taskCatalog,
		Registry:   jobRegistry,
		Transport:  transport,
		Notifier:   notifierHub,
		Registerer: metricsRegistry,
	})
	if err != nil {
		logger.Error("Failed to create submitter", "err", err)

		return err
	}

	jobPoller, err := poller.New(&poller.Config{
		Logger:     logger.With("subsystem", "poller"),
		Registry:   jobRegistry,
		Transport:  transport,
		Notifier:   notifierHub,
		Interval:   time.Duration(*pollInterval) * time.Minute,
		MaxAge:     time.Duration(*pollMaxAge) * time.Second,
		Registerer: metricsRegistry,
	})
	if err != nil {
		logger.Error("Failed to create poller", "err", err)

		return err
	}

	serverConfig := &proxy_http.Config{
		Logger: logger,
		Web: proxy_http.WebConfig{
			Addresses:         *webListenAddresses,
			WebSystemdSocket:  *systemdSocket,
			WebConfigFile:     webConfigFilePath,
			EnableDebugServer: *enableDebugServer,
		},
		Registry:  jobRegistry,
		Submitter: submitter,
		Transport: transport,
		Gatherer:  metricsRegistry,
	}

	// Assign the optional interfaces only when the concrete client exists,
	// a typed nil inside an interface would pass the != nil checks in the
	// handlers
	if restClient != nil {
		serverConfig.Querier = restClient
	}

	if sshClient != nil {
		serverConfig.Lister = sshClient
	}

	server, err := proxy_http.New(serverConfig)
	if err != nil {
		logger.Error("Failed to create proxy server", "err", err)

		return err
	}

	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Declare wait group and tickers
	var wg sync.WaitGroup

	// Spawn a go routine to poll the states of the tracked jobs
	wg.Add(1)

	go func() {
		defer wg.Done()
		jobPoller.Start(ctx)
	}()

	// Initializing the server in a goroutine so that
	// it won't block the graceful shutdown handling below
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Failed to start proxy server", "err", err)
		}
	}()

	// Listen for the interrupt signal.
	<-ctx.Done()

	// Wait for the poller go routine to finish
	wg.Wait()

	// Restore default behavior on the interrupt signal and notify user of shutdown.
	stop()
	logger.Info("Shutting down gracefully, press Ctrl+C again to force")

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	shutDownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutDownCtx); err != nil {
		logger.Error("Failed to gracefully shutdown proxy server", "err", err)
	}

	if err := jobRegistry.Close(); err != nil {
		logger.Error("Failed to close job registry", "err", err)
	}

	if sshClient != nil {
		if err := sshClient.Close(); err != nil {
			logger.Error("Failed to close SSH connection", "err", err)
		}
	}

	logger.Info("Proxy exiting")
	logger.Info("See you next time!!")

	return nil
}
