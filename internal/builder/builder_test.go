package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipway-dev/slipway/internal/engine"
	"github.com/slipway-dev/slipway/internal/image"
	"github.com/slipway-dev/slipway/internal/platform"
)

// fakeEngine records build/push/tag calls and can fail a configured number
// of times per platform.
type fakeEngine struct {
	mu        sync.Mutex
	builds    []engine.BuildOptions
	pushes    []string
	pulls     []string
	tags      [][2]string
	removed   []string
	failLeft  map[string]int
	onBuild   func(opts engine.BuildOptions) error
}

func (f *fakeEngine) BuildImage(ctx context.Context, opts engine.BuildOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds = append(f.builds, opts)
	if f.failLeft[opts.Platform] > 0 {
		f.failLeft[opts.Platform]--
		return fmt.Errorf("engine failure for %s", opts.Platform)
	}
	if f.onBuild != nil {
		return f.onBuild(opts)
	}
	return nil
}

func (f *fakeEngine) Push(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, ref)
	return nil
}

func (f *fakeEngine) Pull(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, ref)
	return nil
}

func (f *fakeEngine) Tag(ctx context.Context, src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags = append(f.tags, [2]string{src, dst})
	return nil
}

func (f *fakeEngine) RemoveImage(ctx context.Context, ref string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, ref)
	return nil
}

func (f *fakeEngine) buildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.builds)
}

// fakeClient serves digests and records manifest-list pushes, failing a
// configured number of times per destination.
type fakeClient struct {
	mu        sync.Mutex
	pushCalls map[string]int
	sources   map[string][][]string
	failLeft  map[string]int
	failAll   bool
	block     bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		pushCalls: make(map[string]int),
		sources:   make(map[string][][]string),
		failLeft:  make(map[string]int),
	}
}

func (f *fakeClient) Digest(ctx context.Context, ref string) (string, error) {
	return fmt.Sprintf("sha256:%064x", len(ref)), nil
}

func (f *fakeClient) PushManifestList(ctx context.Context, sources []string, dest string) error {
	f.mu.Lock()
	f.pushCalls[dest]++
	f.sources[dest] = append(f.sources[dest], append([]string(nil), sources...))
	block := f.block
	fail := f.failAll
	if !fail && f.failLeft[dest] > 0 {
		f.failLeft[dest]--
		fail = true
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail {
		return fmt.Errorf("registry unavailable")
	}
	return nil
}

func fastBuildRetries(t *testing.T) {
	t.Helper()
	origInit, origMax := buildInitialInterval, buildMaxInterval
	buildInitialInterval = time.Millisecond
	buildMaxInterval = 2 * time.Millisecond
	t.Cleanup(func() {
		buildInitialInterval = origInit
		buildMaxInterval = origMax
	})
}

func writeContext(t *testing.T) (dir, dockerfile string) {
	t.Helper()
	dir = t.TempDir()
	dockerfile = filepath.Join(dir, "Dockerfile")
	require.NoError(t, os.WriteFile(dockerfile, []byte("FROM scratch\n"), 0o644))
	return dir, dockerfile
}

func testBuilder(eng *fakeEngine, client *fakeClient) *Builder {
	cfg := Config{
		BuildRegistry:   "build-reg.example.com:5000",
		DefaultRegistry: "registry.example.com",
	}
	return New(cfg, eng, nil, client)
}

func TestBuildAllPlatforms(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		name := "sequential"
		if parallel {
			name = "parallel"
		}
		t.Run(name, func(t *testing.T) {
			dir, dockerfile := writeContext(t)
			eng := &fakeEngine{}
			b := testBuilder(eng, newFakeClient())

			platforms := []string{"linux/amd64", "linux/arm64", "linux/s390x"}
			group, err := b.Build(context.Background(), BuildRequest{
				Platforms:  platforms,
				Path:       dir,
				Dockerfile: dockerfile,
				Parallel:   parallel,
			})
			require.NoError(t, err)

			assert.ElementsMatch(t, platforms, group.Platforms())
			assert.Equal(t, image.StatusBuilt, group.Status)
			assert.Equal(t, len(platforms), eng.buildCount())

			for _, img := range group.PlatformImages() {
				assert.Contains(t, img.Repo, "build-reg.example.com:5000/buildrun-mp/")
				assert.Contains(t, img.Tag, group.ID)
				assert.NotEmpty(t, img.Digest)
			}
		})
	}
}

func TestBuildInjectsDefaultRegistryArg(t *testing.T) {
	dir, dockerfile := writeContext(t)
	eng := &fakeEngine{}
	b := testBuilder(eng, newFakeClient())

	_, err := b.Build(context.Background(), BuildRequest{
		Platforms:  []string{"linux/amd64"},
		Path:       dir,
		Dockerfile: dockerfile,
		BuildArgs:  map[string]string{"APP_ENV": "ci"},
	})
	require.NoError(t, err)
	require.Len(t, eng.builds, 1)
	assert.Equal(t, "registry.example.com", eng.builds[0].BuildArgs["DOCKER_REGISTRY"])
	assert.Equal(t, "ci", eng.builds[0].BuildArgs["APP_ENV"])
}

func TestBuildDisableMultiPlatform(t *testing.T) {
	dir, dockerfile := writeContext(t)
	eng := &fakeEngine{}
	b := testBuilder(eng, newFakeClient())
	b.cfg.DisableMultiPlatform = true

	requested := []string{"linux/amd64", "linux/arm64"}
	group, err := b.Build(context.Background(), BuildRequest{
		Platforms:  requested,
		Path:       dir,
		Dockerfile: dockerfile,
	})
	require.NoError(t, err)

	want, err := platform.SelectSingle(requested)
	require.NoError(t, err)
	assert.Equal(t, []string{want}, group.Platforms())
	assert.Equal(t, 1, eng.buildCount())
}

func TestBuildEmptyPlatforms(t *testing.T) {
	b := testBuilder(&fakeEngine{}, newFakeClient())
	_, err := b.Build(context.Background(), BuildRequest{})
	assert.Error(t, err)
}

func TestBuildMissingDockerfile(t *testing.T) {
	dir := t.TempDir()
	eng := &fakeEngine{}
	b := testBuilder(eng, newFakeClient())

	_, err := b.Build(context.Background(), BuildRequest{
		Platforms:  []string{"linux/amd64"},
		Path:       dir,
		Dockerfile: filepath.Join(dir, "Dockerfile"),
	})
	require.Error(t, err)
	assert.Zero(t, eng.buildCount(), "precondition failures must not reach the engine")
}

func TestBuildContextNotADirectory(t *testing.T) {
	dir, dockerfile := writeContext(t)
	eng := &fakeEngine{}
	b := testBuilder(eng, newFakeClient())

	_, err := b.Build(context.Background(), BuildRequest{
		Platforms:  []string{"linux/amd64"},
		Path:       filepath.Join(dir, "nope"),
		Dockerfile: dockerfile,
	})
	require.Error(t, err)
	assert.Zero(t, eng.buildCount())
}

func TestBuildRetriesTransientFailures(t *testing.T) {
	fastBuildRetries(t)
	dir, dockerfile := writeContext(t)
	eng := &fakeEngine{failLeft: map[string]int{"linux/amd64": 2}}
	b := testBuilder(eng, newFakeClient())

	group, err := b.Build(context.Background(), BuildRequest{
		Platforms:  []string{"linux/amd64"},
		Path:       dir,
		Dockerfile: dockerfile,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, eng.buildCount())
	assert.Equal(t, image.StatusBuilt, group.Status)
}

func TestBuildRetryExhaustion(t *testing.T) {
	fastBuildRetries(t)
	dir, dockerfile := writeContext(t)
	eng := &fakeEngine{failLeft: map[string]int{"linux/amd64": 100}}
	b := testBuilder(eng, newFakeClient())

	_, err := b.Build(context.Background(), BuildRequest{
		Platforms:  []string{"linux/amd64"},
		Path:       dir,
		Dockerfile: dockerfile,
	})
	require.Error(t, err)
	assert.Equal(t, int(buildMaxTries), eng.buildCount())
	assert.Contains(t, err.Error(), "linux/amd64")
}

func TestBuildOnePlatformFailureFailsGroup(t *testing.T) {
	fastBuildRetries(t)
	dir, dockerfile := writeContext(t)
	eng := &fakeEngine{failLeft: map[string]int{"linux/arm64": 100}}
	b := testBuilder(eng, newFakeClient())

	_, err := b.Build(context.Background(), BuildRequest{
		Platforms:  []string{"linux/amd64", "linux/arm64"},
		Path:       dir,
		Dockerfile: dockerfile,
		Parallel:   true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "linux/arm64")
}

func TestBuildBuilderAndCacheResolution(t *testing.T) {
	dir, dockerfile := writeContext(t)
	eng := &fakeEngine{}
	b := testBuilder(eng, newFakeClient())
	b.cfg.PlatformBuilders = map[string]string{
		"linux/arm64": "armbuilder",
		"linux/amd64": "amdbuilder",
	}
	b.cfg.CacheBuilders = []string{"armbuilder"}
	b.cfg.CacheFrom = map[string]string{
		"armbuilder": "type=registry,ref=cache:arm",
		"amdbuilder": "type=registry,ref=cache:amd",
	}
	b.cfg.CacheTo = map[string]string{
		"armbuilder": "type=registry,ref=cache:arm,mode=max",
	}

	_, err := b.Build(context.Background(), BuildRequest{
		Platforms:  []string{"linux/amd64", "linux/arm64"},
		Path:       dir,
		Dockerfile: dockerfile,
		Cache:      true,
	})
	require.NoError(t, err)

	byPlatform := map[string]engine.BuildOptions{}
	for _, opts := range eng.builds {
		byPlatform[opts.Platform] = opts
	}
	arm := byPlatform["linux/arm64"]
	assert.Equal(t, "armbuilder", arm.Builder)
	assert.Equal(t, "type=registry,ref=cache:arm", arm.CacheFrom)
	assert.Equal(t, "type=registry,ref=cache:arm,mode=max", arm.CacheTo)

	// amdbuilder is not allowlisted, so its cache overrides must not apply.
	amd := byPlatform["linux/amd64"]
	assert.Equal(t, "amdbuilder", amd.Builder)
	assert.Empty(t, amd.CacheFrom)
	assert.Empty(t, amd.CacheTo)
}

func TestBuildCacheDisabled(t *testing.T) {
	dir, dockerfile := writeContext(t)
	eng := &fakeEngine{}
	b := testBuilder(eng, newFakeClient())
	b.cfg.CacheFrom = map[string]string{"": "type=registry,ref=cache:default"}

	_, err := b.Build(context.Background(), BuildRequest{
		Platforms:  []string{"linux/amd64"},
		Path:       dir,
		Dockerfile: dockerfile,
		Cache:      false,
	})
	require.NoError(t, err)
	assert.Empty(t, eng.builds[0].CacheFrom)
}

func TestBuildInjectStagesContext(t *testing.T) {
	dir, dockerfile := writeContext(t)
	extra := filepath.Join(t.TempDir(), "settings.conf")
	require.NoError(t, os.WriteFile(extra, []byte("key=value\n"), 0o644))

	eng := &fakeEngine{}
	eng.onBuild = func(opts engine.BuildOptions) error {
		// Inspect the staged context while it still exists.
		assert.NotEqual(t, dir, opts.ContextPath, "injection must not build from the original context")
		data, err := os.ReadFile(filepath.Join(opts.ContextPath, "conf", "settings.conf"))
		if assert.NoError(t, err) {
			assert.Equal(t, "key=value\n", string(data))
		}
		_, err = os.Stat(filepath.Join(opts.ContextPath, "Dockerfile"))
		assert.NoError(t, err)
		return nil
	}
	b := testBuilder(eng, newFakeClient())

	_, err := b.Build(context.Background(), BuildRequest{
		Platforms:  []string{"linux/amd64"},
		Path:       dir,
		Dockerfile: dockerfile,
		Inject:     map[string]string{extra: "conf/settings.conf"},
	})
	require.NoError(t, err)

	// The original context stays untouched.
	_, err = os.Stat(filepath.Join(dir, "conf"))
	assert.True(t, os.IsNotExist(err))
}

func TestBuildDockerfileContentsMaterialized(t *testing.T) {
	dir := t.TempDir()
	eng := &fakeEngine{}
	var seenDockerfile string
	eng.onBuild = func(opts engine.BuildOptions) error {
		seenDockerfile = opts.Dockerfile
		_, err := os.Stat(opts.Dockerfile)
		assert.NoError(t, err)
		return nil
	}
	b := testBuilder(eng, newFakeClient())

	_, err := b.Build(context.Background(), BuildRequest{
		Platforms:          []string{"linux/amd64"},
		Path:               dir,
		DockerfileContents: "FROM scratch\n",
	})
	require.NoError(t, err)

	// The materialized dockerfile is cleaned up after the build.
	_, err = os.Stat(seenDockerfile)
	assert.True(t, os.IsNotExist(err))
}

func TestBuildStartsEphemeralRegistryLazily(t *testing.T) {
	dir, dockerfile := writeContext(t)
	eng := &fakeEngine{}
	runner := &stubRunner{port: "49170"}
	b := New(Config{DefaultRegistry: "registry.example.com"}, eng, runner, newFakeClient())

	group, err := b.Build(context.Background(), BuildRequest{
		Platforms:  []string{"linux/amd64"},
		Path:       dir,
		Dockerfile: dockerfile,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, runner.runs)
	assert.Contains(t, group.PlatformImages()[0].Repo, "localhost:49170/buildrun-mp/")

	// Second build reuses the running registry.
	_, err = b.Build(context.Background(), BuildRequest{
		Platforms:  []string{"linux/amd64"},
		Path:       dir,
		Dockerfile: dockerfile,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, runner.runs)

	b.Close(context.Background())
	assert.Equal(t, 1, runner.removes)
}

func TestSanitizedHostname(t *testing.T) {
	got := sanitizedHostname()
	assert.NotEmpty(t, got)
	assert.Regexp(t, "^[a-z0-9]+$", got)
}

// stubRunner satisfies engine.ContainerRunner for ephemeral registry tests.
type stubRunner struct {
	port    string
	runs    int
	removes int
}

func (s *stubRunner) Run(ctx context.Context, opts engine.RunOptions) (*engine.Container, error) {
	s.runs++
	return &engine.Container{
		Name: opts.Name,
		Ports: map[string][]engine.PortBinding{
			"5000/tcp": {{HostIP: "0.0.0.0", HostPort: s.port}},
		},
	}, nil
}

func (s *stubRunner) Remove(ctx context.Context, name string, force, volumes bool) error {
	s.removes++
	return nil
}

func (s *stubRunner) List(ctx context.Context, nameFilter string) ([]engine.Container, error) {
	return nil, nil
}
