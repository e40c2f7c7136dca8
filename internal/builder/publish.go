package builder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/slipway-dev/slipway/internal/image"
)

// Publish retry policy: bounded attempts with a per-attempt timeout that
// escalates after each failure. Vars so tests can shrink them.
var (
	publishMaxAttempts = 5
	publishBaseTimeout = 60 * time.Second
	publishTimeoutStep = 60 * time.Second
	publishMaxTimeout  = 600 * time.Second
)

// PublishTimeoutError reports a destination whose manifest-list push never
// succeeded within the retry budget.
type PublishTimeoutError struct {
	Ref         string
	Attempts    int
	LastTimeout time.Duration
	Err         error
}

func (e *PublishTimeoutError) Error() string {
	return fmt.Sprintf("pushing manifest list for %s failed after %d attempts (last timeout %s): %v",
		e.Ref, e.Attempts, e.LastTimeout, e.Err)
}

func (e *PublishTimeoutError) Unwrap() error { return e.Err }

// Push publishes the build group to every registered tagged image: each
// destination ref receives a manifest list assembled from all per-platform
// intermediate images. Destinations are pushed one ref at a time; batching
// several tags into one manifest-create call has produced ambiguous errors
// when tags collide.
func (b *Builder) Push(ctx context.Context, group *image.BuiltImage) error {
	log := b.log.WithField("build", group.ID)

	var tagged []*image.TaggedImage
	for _, t := range group.TaggedImages() {
		if len(t.Tags) > 0 {
			tagged = append(tagged, t)
		}
	}
	if len(tagged) == 0 {
		log.Info("no tagged images registered, nothing to push")
		return nil
	}

	if err := group.MarkPublishing(); err != nil {
		return err
	}

	var sources []string
	for _, img := range group.PlatformImages() {
		sources = append(sources, img.Ref())
	}

	for _, t := range tagged {
		for _, ref := range t.Refs() {
			if err := b.pushManifest(ctx, sources, ref); err != nil {
				group.MarkFailed()
				return err
			}
		}
	}
	if err := group.MarkPublished(); err != nil {
		return err
	}
	log.Info("publish complete")
	return nil
}

// pushManifest pushes one manifest list with retry. Every attempt runs under
// a hard timeout so a hung registry call cannot block the publish forever;
// the timeout escalates after each failed attempt.
func (b *Builder) pushManifest(ctx context.Context, sources []string, dest string) error {
	log := b.log.WithField("dest", dest)
	timeout := publishBaseTimeout
	var lastErr error
	var lastTimeout time.Duration

	for attempt := 1; attempt <= publishMaxAttempts; attempt++ {
		lastTimeout = timeout
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)

		done := make(chan error, 1)
		go func() {
			done <- b.client.PushManifestList(attemptCtx, sources, dest)
		}()

		var err error
		select {
		case err = <-done:
		case <-attemptCtx.Done():
			err = attemptCtx.Err()
		}
		cancel()

		if err == nil {
			log.WithField("attempt", attempt).Info("manifest list pushed")
			return nil
		}
		lastErr = err

		fields := logrus.Fields{"attempt": attempt, "timeout": timeout}
		if errors.Is(err, context.DeadlineExceeded) {
			log.WithFields(fields).Warn("manifest list push timed out")
		} else {
			log.WithFields(fields).WithError(err).Warn("manifest list push failed")
		}

		if ctx.Err() != nil {
			return fmt.Errorf("pushing manifest list for %s: %w", dest, ctx.Err())
		}
		timeout = min(timeout+publishTimeoutStep, publishMaxTimeout)
	}

	return &PublishTimeoutError{
		Ref:         dest,
		Attempts:    publishMaxAttempts,
		LastTimeout: lastTimeout,
		Err:         lastErr,
	}
}

// TagNative pulls the platform image matching the host into the local image
// store and tags it under every registered tagged ref. This serves local
// single-arch workflows; the authoritative publish is Push. Failures are
// logged and returned without retry.
func (b *Builder) TagNative(ctx context.Context, group *image.BuiltImage) error {
	log := b.log.WithField("build", group.ID)

	for _, t := range group.TaggedImages() {
		native, err := group.NativePlatformImage()
		if err != nil {
			return err
		}
		src := native.Ref()

		if err := b.engine.Pull(ctx, src); err != nil {
			log.WithError(err).Error("failed to pull native platform image")
			return err
		}
		for _, ref := range t.Refs() {
			if err := b.engine.Tag(ctx, src, ref); err != nil {
				log.WithError(err).WithField("ref", ref).Error("failed to tag native platform image")
				return err
			}
			log.WithField("ref", ref).Info("tagged native platform image")
		}
		// The intermediate-tagged local copy is redundant once retagged;
		// failing to remove it must not fail the operation.
		if err := b.engine.RemoveImage(ctx, src, false); err != nil {
			log.WithError(err).Warn("failed to remove intermediate image")
		}
	}
	return nil
}
