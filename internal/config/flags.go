package config

import (
	"sort"

	"github.com/spf13/pflag"
)

// flagKeys maps flag names onto the environment keys they override.
// ADMIN_PRIVATE_KEY is deliberately env only.
var flagKeys = map[string]string{
	"label":          EnvLabel,
	"folder":         EnvFolder,
	"req-method":     EnvReqMethod,
	"req-url":        EnvReqURL,
	"req-payload":    EnvReqPayload,
	"jenkins-reload": EnvJenkinsReload,
	"admin-user":     EnvAdminUser,
	"ssh-port":       EnvSSHPort,
	"jenkins-port":   EnvJenkinsPort,
	"namespace":      EnvNamespace,
	"namespace-file": EnvNamespaceFile,
	"kubeconfig":     EnvKubeconfig,
	"log-file":       EnvLogFile,
	"log-level":      EnvLogLevel,
	"database-url":   EnvDatabaseURL,
	"status-address": EnvStatusAddress,
	"watch-timeout":  EnvWatchTimeout,
}

// Flags holds the values of the flags registered by RegisterFlags.
type Flags struct {
	fs     *pflag.FlagSet
	values map[string]*string
}

func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs, values: make(map[string]*string, len(flagKeys))}
	for _, name := range sortedKeys(flagKeys) {
		key := flagKeys[name]
		f.values[name] = fs.String(name, "", "overrides $"+key)
	}
	return f
}

// Lookup returns a LookupFunc where flags that were set on the command line
// win over env.
func (f *Flags) Lookup(env LookupFunc) LookupFunc {
	overrides := make(map[string]string)
	for name, v := range f.values {
		if f.fs.Changed(name) {
			overrides[flagKeys[name]] = *v
		}
	}
	return func(key string) (string, bool) {
		if v, ok := overrides[key]; ok {
			return v, true
		}
		if env == nil {
			return "", false
		}
		return env(key)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
