package registry

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/sirupsen/logrus"
)

// Client is the registry surface the coordinators need: content digests of
// pushed images and manifest-list publish from a set of per-platform refs.
type Client interface {
	Digest(ctx context.Context, ref string) (string, error)
	PushManifestList(ctx context.Context, sources []string, dest string) error
}

// CraneClient implements Client with go-containerregistry, using the default
// keychain (the same credentials docker itself uses). localhost registries
// are reached over plain HTTP, matching the ephemeral registry.
type CraneClient struct {
	log *logrus.Entry
}

func NewCraneClient() *CraneClient {
	return &CraneClient{log: logrus.WithField("component", "registry-client")}
}

// Digest resolves the content digest of a pushed image reference.
func (c *CraneClient) Digest(ctx context.Context, ref string) (string, error) {
	dgst, err := crane.Digest(ref, crane.WithContext(ctx), crane.WithAuthFromKeychain(authn.DefaultKeychain))
	if err != nil {
		return "", fmt.Errorf("resolving digest of %s: %w", ref, err)
	}
	return dgst, nil
}

// PushManifestList assembles a manifest list from the source images and
// pushes it to dest. Each source contributes its platform from its config.
func (c *CraneClient) PushManifestList(ctx context.Context, sources []string, dest string) error {
	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
	}

	idx := mutate.IndexMediaType(empty.Index, types.DockerManifestList)
	for _, src := range sources {
		ref, err := name.ParseReference(src)
		if err != nil {
			return fmt.Errorf("parsing source reference %q: %w", src, err)
		}
		img, err := remote.Image(ref, opts...)
		if err != nil {
			return fmt.Errorf("reading source image %s: %w", src, err)
		}
		cfg, err := img.ConfigFile()
		if err != nil {
			return fmt.Errorf("reading config of %s: %w", src, err)
		}
		idx = mutate.AppendManifests(idx, mutate.IndexAddendum{
			Add: img,
			Descriptor: v1.Descriptor{
				Platform: &v1.Platform{
					OS:           cfg.OS,
					Architecture: cfg.Architecture,
					Variant:      cfg.Variant,
				},
			},
		})
	}

	destRef, err := name.ParseReference(dest)
	if err != nil {
		return fmt.Errorf("parsing destination reference %q: %w", dest, err)
	}
	c.log.WithFields(logrus.Fields{"dest": dest, "sources": len(sources)}).Info("pushing manifest list")
	if err := remote.WriteIndex(destRef, idx, opts...); err != nil {
		return fmt.Errorf("pushing manifest list %s: %w", dest, err)
	}
	return nil
}
