// Package config loads the sidecar settings from the environment, with
// command line flags taking precedence when given.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment keys.
const (
	EnvLabel           = "LABEL"
	EnvFolder          = "FOLDER"
	EnvReqMethod       = "REQ_METHOD"
	EnvReqURL          = "REQ_URL"
	EnvReqPayload      = "REQ_PAYLOAD"
	EnvJenkinsReload   = "JENKINSRELOADCONFIG"
	EnvAdminPrivateKey = "ADMIN_PRIVATE_KEY"
	EnvAdminUser       = "ADMIN_USER"
	EnvSSHPort         = "SSH_PORT"
	EnvJenkinsPort     = "JENKINS_PORT"
	EnvNamespace       = "NAMESPACE"
	EnvNamespaceFile   = "NAMESPACE_FILE"
	EnvKubeconfig      = "KUBECONFIG"
	EnvLogFile         = "LOG_FILE"
	EnvLogLevel        = "LOG_LEVEL"
	EnvDatabaseURL     = "DATABASE_URL"
	EnvStatusAddress   = "STATUS_ADDRESS"
	EnvWatchTimeout    = "WATCH_TIMEOUT"
)

const (
	DefaultNamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"
	DefaultLogFile       = "log.txt"
	DefaultWatchTimeout  = 60 * time.Second
)

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

type Config struct {
	Label  string
	Folder string

	ReqMethod  string
	ReqURL     string
	ReqPayload string

	JenkinsReload   bool
	AdminPrivateKey string
	AdminUser       string
	SSHPort         int
	JenkinsPort     int

	Namespace     string
	NamespaceFile string
	Kubeconfig    string

	LogFile       string
	LogLevel      string
	DatabaseURL   string
	StatusAddress string
	WatchTimeout  time.Duration
}

// Load reads every setting through lookup and validates the result. All
// problems are reported at once in a *ValidationError.
func Load(lookup LookupFunc) (*Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) string {
		v, _ := lookup(key)
		return v
	}

	cfg := &Config{
		Label:           get(EnvLabel),
		Folder:          get(EnvFolder),
		ReqMethod:       strings.ToUpper(strings.TrimSpace(get(EnvReqMethod))),
		ReqURL:          get(EnvReqURL),
		ReqPayload:      get(EnvReqPayload),
		JenkinsReload:   enabled(get(EnvJenkinsReload)),
		AdminPrivateKey: get(EnvAdminPrivateKey),
		AdminUser:       get(EnvAdminUser),
		Namespace:       get(EnvNamespace),
		NamespaceFile:   withDefault(get(EnvNamespaceFile), DefaultNamespaceFile),
		Kubeconfig:      get(EnvKubeconfig),
		LogFile:         withDefault(get(EnvLogFile), DefaultLogFile),
		LogLevel:        get(EnvLogLevel),
		DatabaseURL:     get(EnvDatabaseURL),
		StatusAddress:   get(EnvStatusAddress),
		WatchTimeout:    DefaultWatchTimeout,
	}

	verr := &ValidationError{}

	if cfg.Label == "" {
		verr.missing(EnvLabel)
	}
	if cfg.Folder == "" {
		verr.missing(EnvFolder)
	}
	switch cfg.ReqMethod {
	case "", "GET", "POST":
	default:
		verr.invalid(EnvReqMethod, "must be GET or POST")
	}

	if raw := get(EnvWatchTimeout); raw != "" {
		d, err := parseDuration(raw)
		if err != nil || d <= 0 {
			verr.invalid(EnvWatchTimeout, "must be a positive number of seconds or a duration")
		} else {
			cfg.WatchTimeout = d
		}
	}

	if cfg.JenkinsReload {
		if cfg.AdminPrivateKey == "" {
			verr.missing(EnvAdminPrivateKey)
		}
		if cfg.AdminUser == "" {
			verr.missing(EnvAdminUser)
		}
		cfg.SSHPort = port(verr, EnvSSHPort, get(EnvSSHPort))
		cfg.JenkinsPort = port(verr, EnvJenkinsPort, get(EnvJenkinsPort))
	}

	if verr.HasErrors() {
		return nil, verr
	}
	return cfg, nil
}

// NotifyMode reports which notification path is active.
func (c *Config) NotifyMode() string {
	switch {
	case c.ReqURL != "":
		return "http"
	case c.JenkinsReload:
		return "ssh"
	default:
		return "none"
	}
}

func port(verr *ValidationError, key, raw string) int {
	if raw == "" {
		verr.missing(key)
		return 0
	}
	p, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || p <= 0 || p > 65535 {
		verr.invalid(key, "must be a TCP port number")
		return 0
	}
	return p
}

// enabled treats any non-empty value as on, except the usual spellings of false.
func enabled(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return true
}

func parseDuration(raw string) (time.Duration, error) {
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(raw)
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ValidationError collects every missing or malformed setting.
type ValidationError struct {
	Missing []string
	Invalid map[string]string
}

func (e *ValidationError) missing(key string) {
	e.Missing = append(e.Missing, key)
}

func (e *ValidationError) invalid(key, reason string) {
	if e.Invalid == nil {
		e.Invalid = make(map[string]string)
	}
	e.Invalid[key] = reason
}

func (e *ValidationError) HasErrors() bool {
	return len(e.Missing) > 0 || len(e.Invalid) > 0
}

func (e *ValidationError) Error() string {
	var parts []string
	for _, key := range e.Missing {
		parts = append(parts, fmt.Sprintf("should have added %s as environment variable", key))
	}
	for _, key := range sortedKeys(e.Invalid) {
		parts = append(parts, fmt.Sprintf("%s %s", key, e.Invalid[key]))
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}
