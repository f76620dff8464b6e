package main

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/gonzalop/ftpd/server"
)

// Duration is a time.Duration written as "30s" or "5m" in the
// configuration file.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "duration must be a string such as \"90s\"")
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UserConfig is one account. Password may be a bcrypt hash.
type UserConfig struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// Config is the content of the configuration file. Command line flags
// override individual fields.
type Config struct {
	Listen          []string     `json:"listen"`
	Root            string       `json:"root"`
	PerUserDirs     bool         `json:"per_user_dirs"`
	ReadOnly        bool         `json:"read_only"`
	CertFile        string       `json:"cert_file"`
	KeyFile         string       `json:"key_file"`
	PasvMinPort     int          `json:"pasv_min_port"`
	PasvMaxPort     int          `json:"pasv_max_port"`
	PublicHost      string       `json:"public_host"`
	Users           []UserConfig `json:"users"`
	Anonymous       bool         `json:"anonymous"`
	Welcome         string       `json:"welcome"`
	ListFormat      string       `json:"list_format"`
	MaxConns        int          `json:"max_conns"`
	MaxConnsPerIP   int          `json:"max_conns_per_ip"`
	IdleTimeout     Duration     `json:"idle_timeout"`
	ShutdownTimeout Duration     `json:"shutdown_timeout"`
	BandwidthGlobal int64        `json:"bandwidth_global"`
	BandwidthUser   int64        `json:"bandwidth_per_session"`
	DisableCommands []string     `json:"disable_commands"`
	ASCII           bool         `json:"ascii_translation"`
	TransferLog     string       `json:"transfer_log"`
	LogLevel        string       `json:"log_level"`
	LogFormat       string       `json:"log_format"`
}

func defaultConfig() Config {
	return Config{
		Listen:          []string{"0.0.0.0:21", "[::]:21"},
		Root:            ".",
		Anonymous:       true,
		ListFormat:      "unix",
		ShutdownTimeout: Duration(30 * time.Second),
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// loadConfig reads a JSON configuration file on top of the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

func addFlags(fs *pflag.FlagSet, cfg *Config, configPath *string, users *[]string) {
	fs.StringVarP(configPath, "config", "c", "", "JSON configuration file")
	fs.StringSliceVarP(&cfg.Listen, "listen", "l", cfg.Listen, "address to listen on (repeatable)")
	fs.StringVarP(&cfg.Root, "root", "r", cfg.Root, "directory to serve")
	fs.BoolVar(&cfg.PerUserDirs, "per-user-dirs", cfg.PerUserDirs, "give every user a subdirectory of the root")
	fs.BoolVar(&cfg.ReadOnly, "read-only", cfg.ReadOnly, "refuse every modification")
	fs.StringVar(&cfg.CertFile, "cert", cfg.CertFile, "TLS certificate (PEM), enables AUTH TLS")
	fs.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "TLS private key (PEM)")
	fs.IntVar(&cfg.PasvMinPort, "pasv-min", cfg.PasvMinPort, "lowest passive port (0 lets the system choose)")
	fs.IntVar(&cfg.PasvMaxPort, "pasv-max", cfg.PasvMaxPort, "highest passive port")
	fs.StringVar(&cfg.PublicHost, "public-host", cfg.PublicHost, "address announced in PASV replies")
	fs.StringArrayVarP(users, "user", "u", nil, "account as name:password (repeatable)")
	fs.BoolVar(&cfg.Anonymous, "anonymous", cfg.Anonymous, "allow anonymous logins")
	fs.StringVar(&cfg.Welcome, "welcome", cfg.Welcome, "greeting text")
	fs.StringVar(&cfg.ListFormat, "list-format", cfg.ListFormat, "LIST layout: unix or dos")
	fs.IntVar(&cfg.MaxConns, "max-conns", cfg.MaxConns, "maximum simultaneous clients (0 = unlimited)")
	fs.IntVar(&cfg.MaxConnsPerIP, "max-conns-per-ip", cfg.MaxConnsPerIP, "maximum clients per address (0 = unlimited)")
	fs.DurationVar((*time.Duration)(&cfg.IdleTimeout), "idle-timeout", time.Duration(cfg.IdleTimeout), "close silent control connections (0 = never)")
	fs.DurationVar((*time.Duration)(&cfg.ShutdownTimeout), "shutdown-timeout", time.Duration(cfg.ShutdownTimeout), "grace period for running sessions on shutdown")
	fs.Int64Var(&cfg.BandwidthGlobal, "bandwidth", cfg.BandwidthGlobal, "total transfer rate in bytes/s (0 = unlimited)")
	fs.Int64Var(&cfg.BandwidthUser, "bandwidth-per-session", cfg.BandwidthUser, "per session transfer rate in bytes/s (0 = unlimited)")
	fs.StringSliceVar(&cfg.DisableCommands, "disable", cfg.DisableCommands, "commands to refuse with 502")
	fs.BoolVar(&cfg.ASCII, "ascii", cfg.ASCII, "translate line endings in TYPE A transfers")
	fs.StringVar(&cfg.TransferLog, "transfer-log", cfg.TransferLog, "append transfers in xferlog format to this file")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
}

// resolveConfig loads configPath, when given, and applies the flags that
// were set on the command line.
func resolveConfig(configPath string, fs *pflag.FlagSet, flags Config, users []string) (Config, error) {
	cfg := flags
	if configPath != "" {
		var err error
		if cfg, err = loadConfig(configPath); err != nil {
			return cfg, err
		}
		fs.Visit(func(f *pflag.Flag) { overrideField(&cfg, &flags, f.Name) })
	}

	for _, u := range users {
		uc, err := parseUser(u)
		if err != nil {
			return cfg, err
		}
		cfg.Users = append(cfg.Users, uc)
	}
	return cfg, cfg.validate()
}

func overrideField(dst, src *Config, flag string) {
	switch flag {
	case "listen":
		dst.Listen = src.Listen
	case "root":
		dst.Root = src.Root
	case "per-user-dirs":
		dst.PerUserDirs = src.PerUserDirs
	case "read-only":
		dst.ReadOnly = src.ReadOnly
	case "cert":
		dst.CertFile = src.CertFile
	case "key":
		dst.KeyFile = src.KeyFile
	case "pasv-min":
		dst.PasvMinPort = src.PasvMinPort
	case "pasv-max":
		dst.PasvMaxPort = src.PasvMaxPort
	case "public-host":
		dst.PublicHost = src.PublicHost
	case "anonymous":
		dst.Anonymous = src.Anonymous
	case "welcome":
		dst.Welcome = src.Welcome
	case "list-format":
		dst.ListFormat = src.ListFormat
	case "max-conns":
		dst.MaxConns = src.MaxConns
	case "max-conns-per-ip":
		dst.MaxConnsPerIP = src.MaxConnsPerIP
	case "idle-timeout":
		dst.IdleTimeout = src.IdleTimeout
	case "shutdown-timeout":
		dst.ShutdownTimeout = src.ShutdownTimeout
	case "bandwidth":
		dst.BandwidthGlobal = src.BandwidthGlobal
	case "bandwidth-per-session":
		dst.BandwidthUser = src.BandwidthUser
	case "disable":
		dst.DisableCommands = src.DisableCommands
	case "ascii":
		dst.ASCII = src.ASCII
	case "transfer-log":
		dst.TransferLog = src.TransferLog
	case "log-level":
		dst.LogLevel = src.LogLevel
	case "log-format":
		dst.LogFormat = src.LogFormat
	}
}

func parseUser(s string) (UserConfig, error) {
	name, pass, ok := strings.Cut(s, ":")
	if !ok || name == "" {
		return UserConfig{}, errors.Errorf("invalid user %q, want name:password", s)
	}
	return UserConfig{Name: name, Password: pass}, nil
}

// validate reports every problem of the configuration at once.
func (c Config) validate() error {
	var result *multierror.Error
	if len(c.Listen) == 0 {
		result = multierror.Append(result, errors.New("no listen address"))
	}
	if c.Root == "" {
		result = multierror.Append(result, errors.New("no root directory"))
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		result = multierror.Append(result, errors.New("cert and key must be given together"))
	}
	if !c.Anonymous && len(c.Users) == 0 {
		result = multierror.Append(result, errors.New("anonymous logins are disabled and no user is configured"))
	}
	if _, err := server.ParseListFormat(c.ListFormat); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		result = multierror.Append(result, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		result = multierror.Append(result, errors.Errorf("unknown log format %q", c.LogFormat))
	}
	return result.ErrorOrNil()
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, errors.Errorf("unknown log level %q", s)
	}
	return level, nil
}

func newLogger(c Config, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// serverOptions translates the configuration into server options. The
// returned closer releases files opened for the server.
func (c Config) serverOptions(logger *slog.Logger) ([]server.Option, io.Closer, error) {
	var fsOpts []server.FSOption
	if c.PerUserDirs {
		fsOpts = append(fsOpts, server.WithPerUserDirectories(true))
	}
	if c.ReadOnly {
		fsOpts = append(fsOpts, server.WithReadOnly(true))
	}
	providers, err := server.NewFSProviderFactory(c.Root, fsOpts...)
	if err != nil {
		return nil, nil, err
	}
	format, err := server.ParseListFormat(c.ListFormat)
	if err != nil {
		return nil, nil, err
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithFileProviderFactory(providers),
		server.WithListFormat(format),
		server.WithMaxConnections(c.MaxConns, c.MaxConnsPerIP),
		server.WithMaxIdleTime(time.Duration(c.IdleTimeout)),
		server.WithBandwidthLimit(c.BandwidthGlobal, c.BandwidthUser),
		server.WithASCIITranslation(c.ASCII),
	}

	if len(c.Users) > 0 {
		users := make([]server.User, 0, len(c.Users))
		for _, u := range c.Users {
			users = append(users, server.User{Name: u.Name, Password: u.Password})
		}
		opts = append(opts, server.WithAuthenticator(server.NewHybridAuthenticator(users, c.Anonymous)))
	}
	if c.PasvMinPort != 0 || c.PasvMaxPort != 0 {
		opts = append(opts, server.WithPassivePortRange(c.PasvMinPort, c.PasvMaxPort))
	}
	if c.PublicHost != "" {
		opts = append(opts, server.WithPublicHost(c.PublicHost))
	}
	if c.Welcome != "" {
		opts = append(opts, server.WithWelcomeMessage(c.Welcome))
	}
	if len(c.DisableCommands) > 0 {
		opts = append(opts, server.WithDisableCommands(c.DisableCommands...))
	}
	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, nil, errors.Wrap(err, "load certificate")
		}
		opts = append(opts, server.WithTLS(&tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}))
	}

	var closer io.Closer = io.NopCloser(nil)
	if c.TransferLog != "" {
		f, err := os.OpenFile(c.TransferLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open transfer log")
		}
		opts = append(opts, server.WithTransferLog(f))
		closer = f
	}
	return opts, closer, nil
}
