package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/recruitkit/puppetd/internal/devtools"
	"github.com/recruitkit/puppetd/internal/proxy"
	"github.com/recruitkit/puppetd/pkg/models"
)

const (
	streamPort = "6080/tcp" // remote-desktop web viewer inside the sandbox
	debugPort  = "9222/tcp" // browser remote-debugging endpoint
)

// EngineConfig configures the remote container engine adapter.
type EngineConfig struct {
	Host       string // engine control endpoint, e.g. tcp://engine.internal:2376
	TLSEnabled bool
	TLS        TLSMaterial

	Image string

	// Optional bounded range for the published stream port; zero means
	// engine-assigned dynamic ports. The per-session pick inside the range is
	// deterministic to ease firewalling.
	PortRangeStart int
	PortRangeEnd   int

	// Host priority for externally reachable URLs: PublicStreamHost, then
	// PublicEngineHost, then the hostname from Host, then localhost.
	PublicStreamHost string
	PublicEngineHost string

	// LoginURL is opened in the sandbox after start, best-effort.
	LoginURL string
}

// engineAPI is the slice of the engine client the adapter uses.
type engineAPI interface {
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Ping(ctx context.Context) (types.Ping, error)
}

// loginOpener is the devtools subset used for the best-effort login preflight.
type loginOpener interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Close() error
}

// DockerAdapter drives a remote container engine over (optionally mutual-TLS)
// HTTP to run interactive browser sandboxes.
type DockerAdapter struct {
	cli  engineAPI
	cfg  EngineConfig
	log  *zap.Logger
	dial func(ctx context.Context, debugURL string) (loginOpener, error)
}

// NewDockerAdapter builds the engine client. When TLS is enabled, missing
// certificate material is a fatal configuration error.
func NewDockerAdapter(cfg EngineConfig, log *zap.Logger) (*DockerAdapter, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	} else {
		opts = append(opts, client.FromEnv)
	}

	if cfg.TLSEnabled {
		identity, err := LoadTLSIdentity(cfg.TLS)
		if err != nil {
			return nil, err
		}
		tlsCfg, err := identity.ClientConfig()
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithHTTPClient(&http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		}))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("runtime: engine client: %w", err)
	}

	return &DockerAdapter{
		cli: cli,
		cfg: cfg,
		log: log,
		dial: func(ctx context.Context, debugURL string) (loginOpener, error) {
			return devtools.Dial(ctx, debugURL)
		},
	}, nil
}

// Ping probes engine reachability for runtime selection.
func (a *DockerAdapter) Ping(ctx context.Context) error {
	_, err := a.cli.Ping(ctx)
	return err
}

// Start creates and launches a sandbox container, publishes its stream and
// debug ports, and opportunistically opens the platform login page inside it.
func (a *DockerAdapter) Start(ctx context.Context, spec StartSpec) (*Instance, error) {
	if err := a.ensureImage(ctx); err != nil {
		return nil, err
	}

	preferred := "0"
	if a.cfg.PortRangeStart > 0 && a.cfg.PortRangeEnd >= a.cfg.PortRangeStart {
		preferred = fmt.Sprintf("%d", pickPreferredPort(spec.SessionID, a.cfg))
	}

	id, err := a.provisionWithPortFallback(ctx, spec, preferred)
	if err != nil {
		return nil, err
	}

	inspect, err := a.cli.ContainerInspect(ctx, id)
	if err != nil {
		a.removeFailed(ctx, id)
		return nil, fmt.Errorf("runtime: inspect container: %w", err)
	}
	streamHostPort, err := publishedPort(inspect, streamPort)
	if err != nil {
		a.removeFailed(ctx, id)
		return nil, err
	}
	debugHostPort, err := publishedPort(inspect, debugPort)
	if err != nil {
		a.removeFailed(ctx, id)
		return nil, err
	}

	host := a.publicHost()
	inst := &Instance{
		ContainerID: id,
		Kind:        models.RuntimeStream,
		StreamURL:   fmt.Sprintf("http://%s:%s/vnc.html?autoconnect=true&resize=scale", host, streamHostPort),
		DebugURL:    fmt.Sprintf("ws://%s:%s", host, debugHostPort),
	}

	a.openLoginPage(ctx, inst.DebugURL)

	a.log.Info("sandbox started",
		zap.String("session_id", spec.SessionID),
		zap.String("container_id", id[:min(12, len(id))]),
		zap.String("stream_url", inst.StreamURL))
	return inst, nil
}

// provisionWithPortFallback tries the preferred host port first and retries
// exactly once with an engine-assigned port when the preferred one is already
// bound. The engine only validates fixed host ports when the container
// starts, not when it is created, so the fallback wraps the create+start pair
// as a unit. Any other failure propagates unmodified. Known limitation:
// concurrent starts can still race each other for the preferred port; the one
// retry always lands on a dynamic port, so the second attempt cannot collide.
func (a *DockerAdapter) provisionWithPortFallback(ctx context.Context, spec StartSpec, preferred string) (string, error) {
	id, err := a.provision(ctx, spec, preferred)
	if err == nil {
		return id, nil
	}
	if preferred == "0" || !isPortAllocated(err) {
		return "", fmt.Errorf("runtime: provision container: %w", err)
	}

	a.log.Warn("preferred port already bound, retrying with dynamic allocation",
		zap.String("preferred_port", preferred), zap.Error(err))
	id, err = a.provision(ctx, spec, "0")
	if err != nil {
		return "", fmt.Errorf("runtime: provision container (dynamic port): %w", err)
	}
	return id, nil
}

// provision creates and starts one container on the given host port. A start
// failure removes the created container so a failed attempt never leaks one.
func (a *DockerAdapter) provision(ctx context.Context, spec StartSpec, hostPort string) (string, error) {
	resp, err := a.createContainer(ctx, spec, hostPort)
	if err != nil {
		return "", err
	}
	if err := a.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		a.removeFailed(ctx, resp.ID)
		return "", err
	}
	return resp.ID, nil
}

// removeFailed discards a container that never became a usable sandbox.
func (a *DockerAdapter) removeFailed(ctx context.Context, id string) {
	if err := a.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		a.log.Warn("removing failed container", zap.String("container_id", id), zap.Error(err))
	}
}

func (a *DockerAdapter) createContainer(ctx context.Context, spec StartSpec, hostPort string) (container.CreateResponse, error) {
	env := []string{
		"RESOLUTION=1920x1080",
		"SESSION_ID=" + spec.SessionID,
	}
	if spec.ProxyURL != "" {
		env = append(env, "PROXY_URL="+spec.ProxyURL)
	}

	cfg := &container.Config{
		Image: a.cfg.Image,
		Env:   env,
		Labels: map[string]string{
			"session-id": spec.SessionID,
			"user-id":    spec.UserID,
			"managed-by": "puppetd",
		},
		ExposedPorts: nat.PortSet{
			streamPort: struct{}{},
			debugPort:  struct{}{},
		},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			streamPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostPort}},
			debugPort:  []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "0"}},
		},
		AutoRemove: false,
	}

	name := "sandbox-" + spec.SessionID[:min(8, len(spec.SessionID))]
	return a.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
}

// openLoginPage asks the sandbox browser to open the platform login page so
// the user lands on it immediately. Best-effort: a failure here never fails
// the overall start.
func (a *DockerAdapter) openLoginPage(ctx context.Context, debugURL string) {
	if a.cfg.LoginURL == "" {
		return
	}
	openCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := a.dial(openCtx, debugURL)
	if err != nil {
		a.log.Warn("login page preflight: debug endpoint not reachable", zap.Error(err))
		return
	}
	defer conn.Close()

	if _, err := conn.Call(openCtx, "Target.createTarget", map[string]string{"url": a.cfg.LoginURL}); err != nil {
		a.log.Warn("login page preflight failed", zap.Error(err))
	}
}

// Stop is best-effort stop-then-remove. Teardown races with the engine are
// expected, so "already gone" style errors are logged and swallowed.
func (a *DockerAdapter) Stop(ctx context.Context, containerID string) error {
	timeout := 10
	if err := a.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		a.log.Warn("container stop", zap.String("container_id", containerID), zap.Error(err))
	}
	if err := a.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		a.log.Warn("container remove", zap.String("container_id", containerID), zap.Error(err))
	}
	return nil
}

func (a *DockerAdapter) ensureImage(ctx context.Context) error {
	images, err := a.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return fmt.Errorf("runtime: list images: %w", err)
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == a.cfg.Image {
				return nil
			}
		}
	}

	a.log.Info("pulling sandbox image", zap.String("image", a.cfg.Image))
	reader, err := a.cli.ImagePull(ctx, a.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("runtime: pull image %s: %w", a.cfg.Image, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (a *DockerAdapter) publicHost() string {
	if a.cfg.PublicStreamHost != "" {
		return a.cfg.PublicStreamHost
	}
	if a.cfg.PublicEngineHost != "" {
		return a.cfg.PublicEngineHost
	}
	if h := hostFromEngineURL(a.cfg.Host); h != "" {
		return h
	}
	return "localhost"
}

func hostFromEngineURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "unix" || u.Scheme == "npipe" {
		return ""
	}
	return u.Hostname()
}

func publishedPort(inspect container.InspectResponse, port nat.Port) (string, error) {
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("runtime: container has no network settings")
	}
	bindings := inspect.NetworkSettings.Ports[port]
	if len(bindings) == 0 {
		return "", fmt.Errorf("runtime: port %s is not published", port)
	}
	return bindings[0].HostPort, nil
}

// pickPreferredPort derives the stable published-port choice for a session,
// using the same hashing technique as the proxy assigner.
func pickPreferredPort(sessionID string, cfg EngineConfig) int {
	return proxy.HashPort(sessionID, cfg.PortRangeStart, cfg.PortRangeEnd)
}

func isPortAllocated(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "port is already allocated") ||
		strings.Contains(msg, "address already in use")
}
