// Package builder coordinates multi-platform image builds: fanning one build
// out per platform through an intermediate registry, collecting per-platform
// results into a build group, and publishing the group as a manifest list.
package builder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v5"
	digest "github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/slipway-dev/slipway/internal/engine"
	"github.com/slipway-dev/slipway/internal/image"
	"github.com/slipway-dev/slipway/internal/platform"
	"github.com/slipway-dev/slipway/internal/registry"
)

// intermediateRepoPrefix namespaces intermediate images inside the build
// registry, keeping them apart from user repositories.
const intermediateRepoPrefix = "buildrun-mp"

// Build retry policy. Vars so tests can shrink the delays.
var (
	buildMaxTries        uint = 5
	buildInitialInterval      = 1 * time.Second
	buildMaxInterval          = 30 * time.Second
	buildMultiplier           = 3.0
)

// Builder is the parallel build and publish coordinator.
type Builder struct {
	cfg    Config
	engine engine.Engine
	runner engine.ContainerRunner
	client registry.Client
	log    *logrus.Entry

	mu        sync.Mutex
	ephemeral *registry.Ephemeral
}

// New creates a Builder. The runner is only used to manage the ephemeral
// registry; it is untouched when cfg.BuildRegistry is set.
func New(cfg Config, eng engine.Engine, runner engine.ContainerRunner, client registry.Client) *Builder {
	return &Builder{
		cfg:    cfg,
		engine: eng,
		runner: runner,
		client: client,
		log:    logrus.WithField("component", "builder"),
	}
}

// Close tears down the ephemeral registry if one was started. Cleanup
// failures are logged, never returned: they must not mask the build outcome.
func (b *Builder) Close(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ephemeral == nil {
		return
	}
	if err := b.ephemeral.Stop(ctx); err != nil {
		b.log.WithError(err).Error("failed to stop ephemeral registry")
	}
	b.ephemeral = nil
}

// BuildRequest describes one multi-platform build invocation.
type BuildRequest struct {
	Platforms []string
	// Path is the build context directory. When empty it is derived from
	// the dockerfile's directory, or the current directory.
	Path string
	// Dockerfile is the path to the Dockerfile. When empty and
	// DockerfileContents is set, a temporary file is materialized for the
	// duration of the build.
	Dockerfile         string
	DockerfileContents string
	Target             string
	Parallel           bool
	BuildArgs          map[string]string
	// Inject maps source paths to destination paths inside the build
	// context. Injection never mutates the original context directory.
	Inject map[string]string
	Cache  bool
	Pull   bool
}

// buildResult is the message a build worker reports back to the coordinator.
type buildResult struct {
	platform string
	ref      string
	digest   string
	err      error
}

// Build fans out one build per requested platform, pushing each result to
// the intermediate registry, and returns the populated build group. Every
// requested platform must produce exactly one result or the build fails.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*image.BuiltImage, error) {
	if len(req.Platforms) == 0 {
		return nil, fmt.Errorf("no platforms requested")
	}

	path, dockerfile, cleanup, err := resolveContext(req)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	// Dockerfiles reference the default registry through this build arg
	// instead of hardcoding it.
	buildArgs := make(map[string]string, len(req.BuildArgs)+1)
	for k, v := range req.BuildArgs {
		buildArgs[k] = v
	}
	buildArgs["DOCKER_REGISTRY"] = b.cfg.DefaultRegistry

	group := image.NewBuiltImage()
	log := b.log.WithField("build", group.ID)

	regAddr, err := b.registryAddress(ctx)
	if err != nil {
		return nil, err
	}
	repo := fmt.Sprintf("%s/%s/%s", regAddr, intermediateRepoPrefix, sanitizedHostname())

	plats := req.Platforms
	if b.cfg.DisableMultiPlatform {
		single, err := platform.SelectSingle(plats)
		if err != nil {
			return nil, err
		}
		log.WithField("platform", single).Info("multi-platform builds are disabled, building a single platform")
		plats = []string{single}
	} else if len(plats) > 1 {
		log.WithField("platforms", plats).Info("building for multiple platforms, this can take a while")
	}

	// pending maps each dispatched intermediate ref to its platform; results
	// are reconciled against it so a lost worker is caught, not ignored.
	pending := make(map[string]string, len(plats))
	results := make(chan buildResult, len(plats))
	var wg sync.WaitGroup

	for _, plat := range plats {
		tag := group.ID + "-" + strings.ReplaceAll(plat, "/", "-")
		ref := repo + ":" + tag
		pending[ref] = plat

		job := jobSpec{
			request:    req,
			path:       path,
			dockerfile: dockerfile,
			buildArgs:  buildArgs,
			platform:   plat,
			ref:        ref,
		}
		if req.Parallel {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results <- b.buildPlatform(ctx, job)
			}()
		} else {
			results <- b.buildPlatform(ctx, job)
		}
	}
	if req.Parallel {
		wg.Wait()
	}
	close(results)

	var firstErr error
	for res := range results {
		if res.err != nil {
			log.WithError(res.err).WithField("platform", res.platform).Error("platform build failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("building %s: %w", res.platform, res.err)
			}
			delete(pending, res.ref)
			continue
		}
		plat, ok := pending[res.ref]
		if !ok {
			group.MarkFailed()
			return nil, fmt.Errorf("received result for unknown image %s", res.ref)
		}
		delete(pending, res.ref)

		img := &image.PlatformImage{
			Repo:     repo,
			Tag:      strings.TrimPrefix(res.ref, repo+":"),
			Digest:   digest.Digest(res.digest),
			Platform: plat,
		}
		if err := group.AddPlatformImage(plat, img); err != nil {
			group.MarkFailed()
			return nil, err
		}
	}
	if firstErr != nil {
		group.MarkFailed()
		return nil, firstErr
	}
	if len(pending) != 0 {
		group.MarkFailed()
		missing := make([]string, 0, len(pending))
		for _, plat := range pending {
			missing = append(missing, plat)
		}
		return nil, fmt.Errorf("no build result received for platforms %v: worker lost", missing)
	}

	if err := group.MarkBuilt(); err != nil {
		return nil, err
	}
	log.WithField("platforms", group.Platforms()).Info("all platform builds complete")
	return group, nil
}

// resolveContext applies the path/dockerfile defaulting rules and
// materializes inline dockerfile contents into a temporary file. The
// returned cleanup removes any materialization.
func resolveContext(req BuildRequest) (path, dockerfile string, cleanup func(), err error) {
	cleanup = func() {}
	path = req.Path
	dockerfile = req.Dockerfile

	if dockerfile == "" && req.DockerfileContents != "" {
		f, ferr := os.CreateTemp("", "slipway-dockerfile-")
		if ferr != nil {
			return "", "", cleanup, fmt.Errorf("materializing dockerfile: %w", ferr)
		}
		if _, werr := f.WriteString(req.DockerfileContents); werr != nil {
			f.Close()
			os.Remove(f.Name())
			return "", "", cleanup, fmt.Errorf("materializing dockerfile: %w", werr)
		}
		f.Close()
		dockerfile = f.Name()
		cleanup = func() { os.Remove(dockerfile) }
	}

	if path == "" {
		if req.Dockerfile != "" {
			path = filepath.Dir(req.Dockerfile)
		} else {
			path = "."
		}
	}
	if dockerfile == "" {
		dockerfile = filepath.Join(path, "Dockerfile")
	}
	return path, dockerfile, cleanup, nil
}

type jobSpec struct {
	request    BuildRequest
	path       string
	dockerfile string
	buildArgs  map[string]string
	platform   string
	ref        string
}

// buildPlatform runs one platform's build job: precondition checks, cache
// and builder resolution, context staging, the engine build+push under
// retry, and digest resolution.
func (b *Builder) buildPlatform(ctx context.Context, job jobSpec) buildResult {
	res := buildResult{platform: job.platform, ref: job.ref}
	log := b.log.WithFields(logrus.Fields{"platform": job.platform, "image": job.ref})

	info, err := os.Stat(job.path)
	if err != nil || !info.IsDir() {
		res.err = fmt.Errorf("build context %q is not a directory", job.path)
		return res
	}
	if _, err := os.Stat(job.dockerfile); err != nil {
		res.err = fmt.Errorf("dockerfile %q not found", job.dockerfile)
		return res
	}

	builderName := b.cfg.builderFor(job.platform)
	var cacheFrom, cacheTo string
	if job.request.Cache {
		cacheFrom, cacheTo = b.cfg.cacheFor(builderName)
	}

	contextPath := job.path
	if len(job.request.Inject) > 0 {
		// Concurrent platform jobs share the original context; each gets a
		// private staged copy so overlays never race.
		staged, err := stageContext(job.path, job.request.Inject)
		if err != nil {
			res.err = err
			return res
		}
		defer os.RemoveAll(staged)
		contextPath = staged
	}

	opts := engine.BuildOptions{
		ContextPath: contextPath,
		Dockerfile:  job.dockerfile,
		Tags:        []string{job.ref},
		Platform:    job.platform,
		Target:      job.request.Target,
		Builder:     builderName,
		BuildArgs:   job.buildArgs,
		CacheFrom:   cacheFrom,
		CacheTo:     cacheTo,
		Load:        true,
		Pull:        job.request.Pull,
	}

	// The push always happens, even against an ephemeral registry: remote
	// builder workers do not share this host's image store.
	attempt := 0
	_, res.err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			log.WithField("attempt", attempt).Warn("retrying platform build")
		}
		if err := b.engine.BuildImage(ctx, opts); err != nil {
			return struct{}{}, err
		}
		if err := b.engine.Push(ctx, job.ref); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(newBuildBackoff()),
		backoff.WithMaxTries(buildMaxTries),
		backoff.WithMaxElapsedTime(0),
	)
	if res.err != nil {
		res.err = fmt.Errorf("after %d attempts: %w", attempt, res.err)
		return res
	}

	res.digest, res.err = b.client.Digest(ctx, job.ref)
	if res.err == nil {
		log.WithField("digest", res.digest).Info("platform build pushed")
	}
	return res
}

func newBuildBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = buildInitialInterval
	bo.MaxInterval = buildMaxInterval
	bo.Multiplier = buildMultiplier
	return bo
}

// registryAddress returns the intermediate registry address, lazily starting
// the ephemeral registry when no external one is configured.
func (b *Builder) registryAddress(ctx context.Context) (string, error) {
	if b.cfg.BuildRegistry != "" {
		return b.cfg.BuildRegistry, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ephemeral == nil {
		b.ephemeral = registry.NewEphemeral(b.cfg.RegistryImage, b.runner, b.cfg.InContainer)
	}
	if err := b.ephemeral.Start(ctx); err != nil {
		return "", err
	}
	return b.ephemeral.Address(), nil
}

// sanitizedHostname lowercases the hostname and strips everything outside
// [a-z0-9], isolating builds from different hosts that share one registry.
func sanitizedHostname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	host = strings.ToLower(host)
	var sb strings.Builder
	for _, r := range host {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
	}
	if sb.Len() == 0 {
		return "unknown"
	}
	return sb.String()
}

// stageContext copies the build context into a temporary directory and
// overlays the injected files on top.
func stageContext(contextDir string, inject map[string]string) (string, error) {
	staged, err := os.MkdirTemp("", "slipway-context-")
	if err != nil {
		return "", fmt.Errorf("staging build context: %w", err)
	}
	if err := copyTree(contextDir, staged); err != nil {
		os.RemoveAll(staged)
		return "", fmt.Errorf("staging build context: %w", err)
	}
	for src, dst := range inject {
		target := filepath.Join(staged, dst)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			os.RemoveAll(staged)
			return "", fmt.Errorf("injecting %s: %w", dst, err)
		}
		if err := copyFile(src, target); err != nil {
			os.RemoveAll(staged)
			return "", fmt.Errorf("injecting %s: %w", dst, err)
		}
	}
	return staged, nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			if rel == "." {
				return nil
			}
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
