package platform

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/containerd/platforms"
)

// Normalize maps a host OS/architecture pair onto container platform naming.
// Container builds always target Linux, so darwin hosts normalize to linux.
// Architecture aliases from uname-style sources (x86_64, aarch64) normalize
// to their Go/OCI names.
func Normalize(os, arch string) string {
	if os == "darwin" {
		os = "linux"
	}
	switch arch {
	case "x86_64":
		arch = "amd64"
	case "aarch64":
		arch = "arm64"
	}
	return os + "/" + arch
}

// Native returns the container platform equivalent of the running host.
func Native() string {
	return Normalize(runtime.GOOS, runtime.GOARCH)
}

// NativePattern returns the native platform with slashes replaced by dashes,
// the form used inside intermediate image tags.
func NativePattern() string {
	return strings.ReplaceAll(Native(), "/", "-")
}

// Parse validates a platform string and returns its normalized form
// (os/arch[/variant]).
func Parse(spec string) (string, error) {
	p, err := platforms.Parse(spec)
	if err != nil {
		return "", fmt.Errorf("invalid platform %q: %w", spec, err)
	}
	return platforms.FormatAll(p), nil
}

// SelectSingle picks one platform from a requested set, preferring the entry
// matching the host. Variant suffixes are tolerated: linux/arm64 matches
// linux/arm64/v8. With no match the first entry wins.
func SelectSingle(requested []string) (string, error) {
	return selectSingle(requested, Native())
}

func selectSingle(requested []string, native string) (string, error) {
	if len(requested) == 0 {
		return "", fmt.Errorf("no platforms requested")
	}
	for _, p := range requested {
		if strings.Contains(p, native) {
			return p, nil
		}
	}
	return requested[0], nil
}
