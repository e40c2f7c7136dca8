package util

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const RegistryFilename = ".registry"

type registryFile struct {
	Local string   `yaml:"local"`
	CI    []string `yaml:"ci"`
}

// GetDefaultRegistryFromFile reads the .registry file from dir and returns
// the registry for the current environment: in CI (GITHUB_ACTIONS=true) the
// first ci entry, otherwise local. Values are interpolated with environment
// variables, including ${VAR:-default} syntax.
func GetDefaultRegistryFromFile(dir string) string {
	path := filepath.Join(dir, RegistryFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	var raw registryFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return ""
	}

	if os.Getenv("GITHUB_ACTIONS") == "true" {
		if len(raw.CI) > 0 {
			return interpolate(raw.CI[0])
		}
		return ""
	}
	if raw.Local != "" {
		return interpolate(raw.Local)
	}
	return ""
}

// reVarDefault matches ${VAR:-default}.
var reVarDefault = regexp.MustCompile(`\$\{([^}:]+):-([^}]*)\}`)

// interpolate expands environment variable references in s:
//   - ${VAR}           → value of VAR, empty if unset
//   - $VAR             → value of VAR, empty if unset
//   - ${VAR:-default}  → value of VAR if set and non-empty, else "default"
func interpolate(s string) string {
	// os.ExpandEnv does not understand ${VAR:-default}, so handle it first.
	result := reVarDefault.ReplaceAllStringFunc(s, func(match string) string {
		sub := reVarDefault.FindStringSubmatch(match)
		if len(sub) != 3 {
			return match
		}
		key, defaultVal := sub[1], sub[2]
		if v := os.Getenv(key); v != "" {
			return v
		}
		return defaultVal
	})
	result = os.ExpandEnv(result)
	return strings.TrimSuffix(strings.TrimSpace(result), "/")
}
