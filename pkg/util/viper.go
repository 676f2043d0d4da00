package util

import (
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of the inspected environment variables.
const EnvPrefix = "SPEAR"

// InitViper sets up env var handling for a viper.  SPEAR_ZK_ADDR overrides zk.addr, SPEAR_FRONTEND_RATE_LIMIT
// overrides frontend.rate-limit.
func InitViper(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.SetEnvPrefix(EnvPrefix)
	v.SetTypeByDefaultValue(true)
	v.AutomaticEnv()
}

// Flatten returns every key known to v with its value rendered as a string.  Nested keys are joined with dots,
// which is the form the rest of the node reads its configuration in.
func Flatten(v *viper.Viper) map[string]string {
	keys := v.AllKeys()
	sort.Strings(keys)
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = v.GetString(k)
	}
	return out
}

// ViperFromConfig builds a viper holding the keys of config that start with prefix+".", with the prefix removed.
func ViperFromConfig(config map[string]string, prefix string) *viper.Viper {
	v := viper.New()
	p := prefix + "."
	for k, val := range config {
		if strings.HasPrefix(k, p) {
			v.Set(strings.TrimPrefix(k, p), val)
		}
	}
	return v
}
