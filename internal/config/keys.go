package config

import (
	"reflect"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// knownKeys lists every dotted key Config can decode, e.g. "gateway.sse-retry".
var knownKeys = collectKeys(reflect.TypeOf(Config{}), "")

func collectKeys(t reflect.Type, prefix string) map[string]bool {
	keys := make(map[string]bool)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			continue
		}
		key := prefix + name
		ft := f.Type
		if ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}
		if ft.Kind() == reflect.Struct {
			for k := range collectKeys(ft, key+".") {
				keys[k] = true
			}
			continue
		}
		keys[key] = true
	}
	return keys
}

// UnknownKeys returns the keys set in the configuration file that no Config
// field decodes. Such keys are ignored, which usually hides a typo.
func UnknownKeys(v *viper.Viper) []string {
	var out []string
	for _, k := range v.AllKeys() {
		if !knownKeys[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
