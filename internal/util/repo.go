package util

import (
	"os"

	"github.com/spf13/viper"
)

// DefaultRegistryFallback is used when nothing else resolves a registry.
const DefaultRegistryFallback = "localhost:5001"

// ResolveDefaultRegistry determines the default registry exposed to builds
// (the DOCKER_REGISTRY build argument).
// Order:
// 1. Env var SLIPWAY_DEFAULT_REGISTRY
// 2. Config "default_registry" (viper)
// 3. .registry file (local or ci based on GITHUB_ACTIONS)
// 4. Fallback: localhost:5001
func ResolveDefaultRegistry(cwd string) string {
	if reg := os.Getenv("SLIPWAY_DEFAULT_REGISTRY"); reg != "" {
		return reg
	}

	if reg := viper.GetString("default_registry"); reg != "" {
		return reg
	}

	if reg := GetDefaultRegistryFromFile(cwd); reg != "" {
		return reg
	}

	return DefaultRegistryFallback
}
