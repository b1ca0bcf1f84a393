package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeeves/ui/internal/channel"
	"github.com/jeeves/ui/internal/config"
	"github.com/jeeves/ui/internal/connection"
	"github.com/jeeves/ui/internal/environ"
	"github.com/jeeves/ui/internal/journal"
	"github.com/jeeves/ui/internal/logging"
)

const (
	envNodeHelp    = config.EnvNode
	envProcessHelp = config.EnvProcess
)

// globalOptions holds the persistent flags.
type globalOptions struct {
	configPath  string
	node        string
	process     string
	basePath    string
	nodeURL     string
	dev         bool
	logLevel    string
	logFile     string
	journalPath string
}

// app is the state shared by every command of one invocation.
type app struct {
	getenv   func(string) string
	opts     globalOptions
	settings *settings
	logger   *zap.Logger
}

// settings is the configuration resolved once per invocation.
type settings struct {
	cfg      config.Config
	resolved environ.Resolved
	origin   string
}

// init resolves settings and builds the logger. quiet keeps logs off the
// terminal unless a log file is configured.
func (a *app) init(cmd *cobra.Command, quiet bool) error {
	s, err := loadSettings(a.opts, cmd.Flags().Changed("dev"), a.getenv)
	if err != nil {
		return err
	}
	a.settings = s

	logFile := s.cfg.LogFile
	if quiet && logFile == "" {
		logFile = defaultLogFile()
	}
	logger, err := logging.New(logging.Options{Level: s.cfg.LogLevel, File: logFile, Quiet: quiet})
	if err != nil {
		return err
	}
	a.logger = logger
	a.logger.Debug("settings resolved",
		zap.String("base_path", s.resolved.BasePath),
		zap.String("endpoint", s.resolved.Endpoint),
		zap.String("ws_endpoint", s.resolved.WSEndpoint),
		zap.Bool("host_present", s.resolved.Identity.Present()))
	return nil
}

func (a *app) sync() {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// defaultLogFile returns ~/.jeeves/jeeves.log, creating the directory, or
// "" when that is not possible.
func defaultLogFile() string {
	dir, err := config.DefaultDir()
	if err != nil {
		return ""
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ""
	}
	return filepath.Join(dir, "jeeves.log")
}

// loadSettings applies, lowest first: build-time values, the config file,
// the environment, then flags.
func loadSettings(opts globalOptions, devChanged bool, getenv func(string) string) (*settings, error) {
	loaded, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	cfg := *loaded

	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}

	if opts.node != "" {
		cfg.Node = opts.node
	}
	if opts.process != "" {
		cfg.Process = opts.process
	}
	if opts.basePath != "" {
		cfg.BasePath = opts.basePath
	}
	if opts.nodeURL != "" {
		cfg.NodeURL = opts.nodeURL
	}
	if devChanged {
		dev := opts.dev
		cfg.Dev = &dev
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.logFile != "" {
		cfg.LogFile = opts.logFile
	}
	if opts.journalPath != "" {
		cfg.JournalPath = opts.journalPath
	}

	if cfg.BasePath == "" {
		cfg.BasePath = BasePath
	}
	if cfg.NodeURL == "" {
		cfg.NodeURL = NodeURL
	}
	cfg = cfg.WithDefaults(devDefault())

	resolved := environ.Resolve(
		environ.Build{BasePath: cfg.BasePath, NodeURL: cfg.NodeURL, Dev: cfg.IsDev()},
		environ.Identity{Node: cfg.Node, Process: cfg.Process},
	)

	origin := cfg.Origin
	if origin == "" {
		origin = originOf(resolved.Endpoint)
	}

	return &settings{cfg: cfg, resolved: resolved, origin: origin}, nil
}

// originOf keeps the scheme and host of endpoint.
func originOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// wsEndpoint is the websocket endpoint the channel will dial.
func (s *settings) wsEndpoint() string {
	if s.resolved.WSEndpoint != "" {
		return s.resolved.WSEndpoint
	}
	process := s.resolved.Identity.Process
	if process == "" {
		process = environ.ProcessID(s.resolved.BasePath)
	}
	ws, err := channel.DefaultEndpoint(s.origin, process)
	if err != nil {
		return ""
	}
	return ws
}

// connectionConfig builds the handler configuration. j may be nil.
func (s *settings) connectionConfig(j *journal.Store) connection.Config {
	cfg := connection.Config{
		Identity: s.resolved.Identity,
		Endpoint: s.resolved.WSEndpoint,
		Origin:   s.origin,
		Retry: channel.RetryPolicy{
			MaxAttempts:     s.cfg.MaxAttempts(),
			InitialInterval: time.Duration(s.cfg.RetryInitialMs) * time.Millisecond,
			MaxInterval:     time.Duration(s.cfg.RetryMaxMs) * time.Millisecond,
		},
		SendPerSecond: s.cfg.SendPerSecond,
	}
	if j != nil {
		cfg.Journal = j
	}
	return cfg
}

// openJournal opens the configured journal, or returns nil when none is
// configured.
func (a *app) openJournal() (*journal.Store, error) {
	path := a.settings.cfg.JournalPath
	if path == "" {
		return nil, nil
	}
	j, err := journal.Open(path, a.logger)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	return j, nil
}
