// Package registry manages the ephemeral intermediate registry and provides
// the registry client used for digest resolution and manifest-list publish.
package registry

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/slipway-dev/slipway/internal/engine"
)

// ContainerNamePrefix identifies registry containers started by this process
// so stop-registry can find leftovers.
const ContainerNamePrefix = "slipway-registry"

// DefaultImage is the registry image launched when none is configured.
const DefaultImage = "registry:2"

// Ephemeral manages the lifecycle of a short-lived local registry container
// used as the exchange point between per-platform build workers and the
// publish step. At most one instance is alive per builder.
type Ephemeral struct {
	image       string
	runner      engine.ContainerRunner
	inContainer bool
	log         *logrus.Entry

	name    string
	host    string
	port    string
	running bool
}

// NewEphemeral creates a manager that will launch the given registry image.
// inContainer marks that this process runs inside the engine's own container,
// where an ephemeral registry on a loopback port is unreachable by the engine.
func NewEphemeral(image string, runner engine.ContainerRunner, inContainer bool) *Ephemeral {
	if image == "" {
		image = DefaultImage
	}
	return &Ephemeral{
		image:       image,
		runner:      runner,
		inContainer: inContainer,
		log:         logrus.WithField("component", "ephemeral-registry"),
	}
}

// Start launches the registry container with all ports published to ephemeral
// host ports. Calling Start on a running instance is a warning no-op. The
// port mapping returned by the engine must contain exactly one exposed port
// bound to all interfaces; anything else means the engine contract changed
// and is an error, not something to guess around.
func (e *Ephemeral) Start(ctx context.Context) error {
	if e.running {
		e.log.WithField("address", e.Address()).Warn("ephemeral registry already running")
		return nil
	}
	if e.inContainer {
		return fmt.Errorf("cannot start an ephemeral registry from inside the engine's container; configure build_registry instead")
	}

	name := fmt.Sprintf("%s-%s", ContainerNamePrefix, uuid.NewString()[:8])
	c, err := e.runner.Run(ctx, engine.RunOptions{
		Image:           e.image,
		Name:            name,
		Detach:          true,
		PublishAllPorts: true,
	})
	if err != nil {
		return fmt.Errorf("starting registry container: %w", err)
	}

	port, err := singlePublishedPort(c)
	if err != nil {
		if rmErr := e.runner.Remove(ctx, c.Name, true, true); rmErr != nil {
			e.log.WithError(rmErr).Error("failed to remove misconfigured registry container")
		}
		return err
	}

	e.name = c.Name
	e.host = "localhost"
	e.port = port
	e.running = true
	e.log.WithField("address", e.Address()).Info("started ephemeral registry")
	return nil
}

func singlePublishedPort(c *engine.Container) (string, error) {
	if len(c.Ports) != 1 {
		return "", fmt.Errorf("registry container %s exposes %d ports, expected exactly 1", c.Name, len(c.Ports))
	}
	for exposed, bindings := range c.Ports {
		if len(bindings) == 0 {
			return "", fmt.Errorf("registry container %s port %s has no host binding", c.Name, exposed)
		}
		b := bindings[0]
		if b.HostIP != "" && b.HostIP != "0.0.0.0" && b.HostIP != "::" {
			return "", fmt.Errorf("registry container %s port %s bound to %s, expected all interfaces", c.Name, exposed, b.HostIP)
		}
		return b.HostPort, nil
	}
	return "", fmt.Errorf("registry container %s has no port mapping", c.Name)
}

// Stop removes the registry container and its volumes. Stopping a manager
// that is not running is a warning no-op.
func (e *Ephemeral) Stop(ctx context.Context) error {
	if !e.running {
		e.log.Warn("ephemeral registry not running, nothing to stop")
		return nil
	}
	if err := e.runner.Remove(ctx, e.name, true, true); err != nil {
		return fmt.Errorf("removing registry container %s: %w", e.name, err)
	}
	e.log.WithField("container", e.name).Info("stopped ephemeral registry")
	e.name = ""
	e.host = ""
	e.port = ""
	e.running = false
	return nil
}

// Address returns host:port of the running registry. Undefined before Start.
func (e *Ephemeral) Address() string {
	return e.host + ":" + e.port
}

// Running reports whether the registry container is up.
func (e *Ephemeral) Running() bool {
	return e.running
}
