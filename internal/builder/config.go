package builder

import (
	"os"
	"slices"
)

// Config carries every administrative setting the coordinators read. It is
// resolved once by the command layer and consumed as plain values; the
// builder never reaches into process-wide state.
type Config struct {
	// BuildRegistry is an externally provided intermediate registry. When
	// empty, an ephemeral local registry is started on demand.
	BuildRegistry string

	// DefaultRegistry is exposed to Dockerfiles as the DOCKER_REGISTRY
	// build argument.
	DefaultRegistry string

	// RegistryImage is the image used for the ephemeral registry container.
	RegistryImage string

	// DisableMultiPlatform collapses any requested platform set to a single
	// platform, preferring the host's native one.
	DisableMultiPlatform bool

	// PlatformBuilders maps a platform to the buildx builder that handles it.
	PlatformBuilders map[string]string

	// CacheBuilders restricts cache overrides to the named builders. Empty
	// means every builder may use them.
	CacheBuilders []string

	// CacheFrom and CacheTo hold per-builder cache override specs.
	CacheFrom map[string]string
	CacheTo   map[string]string

	// InContainer marks that this process runs inside the engine's own
	// container image, where an ephemeral registry cannot be reached.
	InContainer bool
}

// builderFor returns the configured buildx builder for a platform, or empty
// for the default builder.
func (c Config) builderFor(platform string) string {
	return c.PlatformBuilders[platform]
}

// cacheFor returns the cache overrides for a builder, honoring the
// CacheBuilders allowlist.
func (c Config) cacheFor(builder string) (from, to string) {
	if len(c.CacheBuilders) > 0 && !slices.Contains(c.CacheBuilders, builder) {
		return "", ""
	}
	return c.CacheFrom[builder], c.CacheTo[builder]
}

// DetectInContainer reports whether the process appears to run inside a
// container. SLIPWAY_IN_CONTAINER overrides detection either way.
func DetectInContainer() bool {
	switch os.Getenv("SLIPWAY_IN_CONTAINER") {
	case "1", "true":
		return true
	case "0", "false":
		return false
	}
	_, err := os.Stat("/.dockerenv")
	return err == nil
}
