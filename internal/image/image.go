// Package image holds the in-memory model of a multi-platform build: the
// per-platform build outputs, the logical build group that owns them, and the
// final destinations the group is published under.
package image

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	digest "github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/slipway-dev/slipway/internal/platform"
)

// ErrDuplicatePlatform is returned when a platform result is added to a build
// group that already holds a result for that platform.
var ErrDuplicatePlatform = errors.New("duplicate platform for build group")

// Seam for tests that need to pin the host platform.
var nativePattern = platform.NativePattern

// PlatformImage is one platform's concrete build output in the intermediate
// registry. Digest stays empty until the build and push succeed; after that
// the value is never mutated.
type PlatformImage struct {
	Repo     string
	Tag      string
	Digest   digest.Digest
	Platform string
}

// Ref returns the repo:tag reference of the intermediate image.
func (p *PlatformImage) Ref() string {
	return p.Repo + ":" + p.Tag
}

func (p *PlatformImage) String() string {
	return fmt.Sprintf("%s:%s (%s)", p.Repo, p.Tag, p.Platform)
}

// TaggedImage is one externally visible publish target: a repository plus an
// ordered, non-empty list of tags.
type TaggedImage struct {
	Repo string
	Tags []string
}

// Refs returns repo:tag for each tag, order preserved.
func (t *TaggedImage) Refs() []string {
	refs := make([]string, 0, len(t.Tags))
	for _, tag := range t.Tags {
		refs = append(refs, t.Repo+":"+tag)
	}
	return refs
}

// Status tracks a build group through its lifecycle. Failed is terminal;
// callers start a new group instead of resuming a failed one.
type Status string

const (
	StatusBuilding   Status = "building"
	StatusBuilt      Status = "built"
	StatusPublishing Status = "publishing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
)

var statusTransitions = map[Status][]Status{
	StatusBuilding:   {StatusBuilt, StatusFailed},
	StatusBuilt:      {StatusPublishing, StatusFailed},
	StatusPublishing: {StatusPublished, StatusFailed},
}

// BuiltImage is the logical identity of one "build these platforms"
// invocation: a unique id owning one result per requested platform and the
// tagged-image destinations registered for later publish.
//
// A BuiltImage is not safe for concurrent mutation; the build coordinator
// reconciles worker results into it from a single goroutine.
type BuiltImage struct {
	ID     string
	Status Status

	byPlatform map[string]*PlatformImage
	order      []string
	tagged     []*TaggedImage
}

// NewBuiltImage creates an empty build group with a fresh unique id.
func NewBuiltImage() *BuiltImage {
	return &BuiltImage{
		ID:         uuid.NewString(),
		Status:     StatusBuilding,
		byPlatform: make(map[string]*PlatformImage),
	}
}

// AddPlatformImage records one platform's build result. Adding a platform
// twice is a programming error, never a silent overwrite.
func (b *BuiltImage) AddPlatformImage(plat string, img *PlatformImage) error {
	if _, ok := b.byPlatform[plat]; ok {
		return fmt.Errorf("build %s: %w: %s", b.ID, ErrDuplicatePlatform, plat)
	}
	b.byPlatform[plat] = img
	b.order = append(b.order, plat)
	return nil
}

// AddTaggedImage registers a publish destination and returns it so the caller
// can use its Refs immediately.
func (b *BuiltImage) AddTaggedImage(repo string, tags []string) *TaggedImage {
	t := &TaggedImage{Repo: repo, Tags: tags}
	b.tagged = append(b.tagged, t)
	return t
}

// PlatformImages returns all platform results in insertion order.
func (b *BuiltImage) PlatformImages() []*PlatformImage {
	imgs := make([]*PlatformImage, 0, len(b.order))
	for _, p := range b.order {
		imgs = append(imgs, b.byPlatform[p])
	}
	return imgs
}

// TaggedImages returns the registered publish destinations in registration
// order.
func (b *BuiltImage) TaggedImages() []*TaggedImage {
	return b.tagged
}

// Platforms returns the platform keys in insertion order.
func (b *BuiltImage) Platforms() []string {
	return append([]string(nil), b.order...)
}

// NativePlatformImage returns the platform result matching the host, found by
// scanning tags for the host's os-arch pattern. With no match the first
// result is used and a warning is logged.
func (b *BuiltImage) NativePlatformImage() (*PlatformImage, error) {
	if len(b.order) == 0 {
		return nil, fmt.Errorf("build %s has no platform images", b.ID)
	}
	pattern := nativePattern()
	for _, p := range b.order {
		img := b.byPlatform[p]
		if strings.Contains(img.Tag, pattern) {
			return img, nil
		}
	}
	first := b.byPlatform[b.order[0]]
	logrus.WithFields(logrus.Fields{
		"build":    b.ID,
		"native":   pattern,
		"fallback": first.Platform,
	}).Warn("no image matches the native platform, using the first built platform")
	return first, nil
}

// MarkBuilt records that every requested platform has a result.
func (b *BuiltImage) MarkBuilt() error { return b.transition(StatusBuilt) }

// MarkPublishing records that a publish has started.
func (b *BuiltImage) MarkPublishing() error { return b.transition(StatusPublishing) }

// MarkPublished records a completed publish.
func (b *BuiltImage) MarkPublished() error { return b.transition(StatusPublished) }

// MarkFailed moves the group to its terminal failed state. Failing a group
// that is already failed is a no-op.
func (b *BuiltImage) MarkFailed() {
	b.Status = StatusFailed
}

func (b *BuiltImage) transition(to Status) error {
	for _, allowed := range statusTransitions[b.Status] {
		if allowed == to {
			b.Status = to
			return nil
		}
	}
	return fmt.Errorf("build %s: invalid status transition %s -> %s", b.ID, b.Status, to)
}

func (b *BuiltImage) String() string {
	switch len(b.order) {
	case 0:
		return b.ID
	case 1:
		return fmt.Sprintf("%s (build %s)", b.byPlatform[b.order[0]], b.ID)
	default:
		var sb strings.Builder
		fmt.Fprintf(&sb, "build %s:", b.ID)
		for _, p := range b.order {
			fmt.Fprintf(&sb, "\n  %s: %s", p, b.byPlatform[p])
		}
		return sb.String()
	}
}
