package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/slipway-dev/slipway/internal/util"
)

// DockerEngine drives the docker CLI. Buildx is the only engine interface
// that supports per-platform cross builds with named builders and
// cache-from/cache-to, so builds go through `docker buildx build`.
type DockerEngine struct {
	log *logrus.Entry
}

func NewDockerEngine() *DockerEngine {
	return &DockerEngine{log: logrus.WithField("component", "docker")}
}

func (d *DockerEngine) BuildImage(ctx context.Context, opts BuildOptions) error {
	args := []string{"buildx", "build", "--platform", opts.Platform}
	if opts.Load {
		args = append(args, "--load")
	}
	for _, tag := range opts.Tags {
		args = append(args, "-t", tag)
	}
	if opts.Dockerfile != "" {
		args = append(args, "-f", opts.Dockerfile)
	}
	if opts.Target != "" {
		args = append(args, "--target", opts.Target)
	}
	if opts.Builder != "" {
		args = append(args, "--builder", opts.Builder)
	}
	// Sorted for a stable command line.
	keys := make([]string, 0, len(opts.BuildArgs))
	for k := range opts.BuildArgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--build-arg", fmt.Sprintf("%s=%s", k, opts.BuildArgs[k]))
	}
	if opts.CacheFrom != "" {
		args = append(args, "--cache-from", opts.CacheFrom)
	}
	if opts.CacheTo != "" {
		args = append(args, "--cache-to", opts.CacheTo)
	}
	if opts.Pull {
		args = append(args, "--pull")
	}
	args = append(args, opts.ContextPath)

	d.log.WithFields(logrus.Fields{"platform": opts.Platform, "tags": opts.Tags}).Info("building image")
	if err := util.RunCommand(ctx, "docker", args...); err != nil {
		return fmt.Errorf("buildx build for %s failed: %w", opts.Platform, err)
	}
	return nil
}

func (d *DockerEngine) Push(ctx context.Context, ref string) error {
	if err := util.RunCommand(ctx, "docker", "push", ref); err != nil {
		return fmt.Errorf("pushing %s: %w", ref, err)
	}
	return nil
}

func (d *DockerEngine) Pull(ctx context.Context, ref string) error {
	if err := util.RunCommand(ctx, "docker", "pull", ref); err != nil {
		return fmt.Errorf("pulling %s: %w", ref, err)
	}
	return nil
}

func (d *DockerEngine) Tag(ctx context.Context, src, dst string) error {
	if err := util.RunCommand(ctx, "docker", "tag", src, dst); err != nil {
		return fmt.Errorf("tagging %s as %s: %w", src, dst, err)
	}
	return nil
}

func (d *DockerEngine) RemoveImage(ctx context.Context, ref string, force bool) error {
	args := []string{"rmi"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, ref)
	if err := util.RunCommand(ctx, "docker", args...); err != nil {
		return fmt.Errorf("removing image %s: %w", ref, err)
	}
	return nil
}

func (d *DockerEngine) Run(ctx context.Context, opts RunOptions) (*Container, error) {
	args := []string{"run"}
	if opts.Detach {
		args = append(args, "-d")
	}
	if opts.PublishAllPorts {
		args = append(args, "-P")
	}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	args = append(args, opts.Image)

	if err := util.RunCommand(ctx, "docker", args...); err != nil {
		return nil, fmt.Errorf("running %s: %w", opts.Image, err)
	}

	ports, err := d.inspectPorts(ctx, opts.Name)
	if err != nil {
		return nil, err
	}
	return &Container{Name: opts.Name, Ports: ports}, nil
}

func (d *DockerEngine) inspectPorts(ctx context.Context, name string) (map[string][]PortBinding, error) {
	out, err := util.OutputCommand(ctx, "docker", "inspect", "--format", "{{json .NetworkSettings.Ports}}", name)
	if err != nil {
		return nil, fmt.Errorf("inspecting %s: %w", name, err)
	}
	var ports map[string][]PortBinding
	if err := json.Unmarshal([]byte(out), &ports); err != nil {
		return nil, fmt.Errorf("parsing port mapping for %s: %w", name, err)
	}
	return ports, nil
}

func (d *DockerEngine) Remove(ctx context.Context, name string, force, volumes bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	if volumes {
		args = append(args, "-v")
	}
	args = append(args, name)
	if err := util.RunCommand(ctx, "docker", args...); err != nil {
		return fmt.Errorf("removing container %s: %w", name, err)
	}
	return nil
}

func (d *DockerEngine) List(ctx context.Context, nameFilter string) ([]Container, error) {
	out, err := util.OutputCommand(ctx, "docker", "ps", "-a",
		"--filter", "name="+nameFilter, "--format", "{{.Names}}")
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	var containers []Container
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			containers = append(containers, Container{Name: line})
		}
	}
	return containers, nil
}
