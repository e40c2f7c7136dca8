// Package engine defines the build-engine and container primitives the
// coordinators depend on, plus their docker CLI implementation. The
// interfaces exist so the builder and registry packages can be tested
// without a docker daemon.
package engine

import "context"

// BuildOptions describes one single-platform image build.
type BuildOptions struct {
	ContextPath string
	Dockerfile  string
	Tags        []string
	Platform    string
	Target      string
	Builder     string
	BuildArgs   map[string]string
	CacheFrom   string
	CacheTo     string
	Load        bool
	Pull        bool
}

// Engine is the image build/push/tag surface of the container engine.
type Engine interface {
	BuildImage(ctx context.Context, opts BuildOptions) error
	Push(ctx context.Context, ref string) error
	Pull(ctx context.Context, ref string) error
	Tag(ctx context.Context, src, dst string) error
	RemoveImage(ctx context.Context, ref string, force bool) error
}

// PortBinding mirrors one host binding of an exposed container port.
type PortBinding struct {
	HostIP   string `json:"HostIp"`
	HostPort string `json:"HostPort"`
}

// Container is the subset of container state the registry manager needs.
type Container struct {
	Name  string
	Ports map[string][]PortBinding
}

// RunOptions describes a detached container launch.
type RunOptions struct {
	Image           string
	Name            string
	Detach          bool
	PublishAllPorts bool
}

// ContainerRunner is the container lifecycle surface, used only for the
// ephemeral registry container.
type ContainerRunner interface {
	Run(ctx context.Context, opts RunOptions) (*Container, error)
	Remove(ctx context.Context, name string, force, volumes bool) error
	List(ctx context.Context, nameFilter string) ([]Container, error)
}
