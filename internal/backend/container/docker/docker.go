// Package docker runs one execution sidecar container per project on the
// host Docker daemon and resolves projects to them.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types"
	dcontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/VizierDB/web-api-async-sub004/internal/backend/container"
	"github.com/VizierDB/web-api-async-sub004/pkg/circuitbreaker"
)

// Labels put on every container and volume this package creates.
const (
	LabelManagedBy = "managed-by"
	LabelProjectID = "project.id"
	ManagedBy      = "vizier-engine"
)

const healthPollInterval = 200 * time.Millisecond

// ErrClosed is returned by GetProject after Close.
var ErrClosed = errors.New("project cache is closed")

// dockerAPI is the part of the docker client the cache uses.
type dockerAPI interface {
	ContainerList(ctx context.Context, options dcontainer.ListOptions) ([]dcontainer.Summary, error)
	ContainerCreate(ctx context.Context, config *dcontainer.Config, hostConfig *dcontainer.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (dcontainer.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options dcontainer.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (dcontainer.InspectResponse, error)
	ContainerStop(ctx context.Context, containerID string, options dcontainer.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options dcontainer.RemoveOptions) error
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

var _ dockerAPI = (*client.Client)(nil)

// Stats reports the sidecars known to the cache.
type Stats struct {
	Ready    int `json:"ready"`
	Starting int `json:"starting"`
}

// ProjectCache implements container.ProjectCache with docker containers.
type ProjectCache struct {
	client     dockerAPI
	config     Config
	httpClient *http.Client
	breakers   *circuitbreaker.Registry
	state      *stateRepo
	logger     *slog.Logger

	// mu orders sidecar starts against Close.
	mu                sync.Mutex
	closed            bool
	cancelMaintenance context.CancelFunc
	wg                sync.WaitGroup
}

// NewProjectCache connects to the docker daemon from the environment and
// adopts sidecars left running by a previous engine process.
func NewProjectCache(ctx context.Context, cfg Config) (*ProjectCache, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newProjectCache(ctx, dockerClient, cfg)
}

func newProjectCache(ctx context.Context, api dockerAPI, cfg Config) (*ProjectCache, error) {
	cfg = cfg.withDefaults()
	if cfg.SidecarImage == "" {
		return nil, fmt.Errorf("sidecar image is required")
	}

	c := &ProjectCache{
		client:     api,
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
			IsFailure: container.IsSidecarFailure,
		}),
		state:  newStateRepo(),
		logger: slog.With("component", "docker"),
	}

	if err := c.reconcile(ctx); err != nil {
		c.logger.Warn("Failed to reconcile project sidecars", "error", err)
	}

	maintenanceCtx, cancel := context.WithCancel(context.Background())
	c.cancelMaintenance = cancel
	c.wg.Add(1)
	go c.runMaintenance(maintenanceCtx)

	return c, nil
}

func containerName(projectID string) string {
	return "vizier-project-" + projectID
}

func volumeName(projectID string) string {
	return "vizier-project-" + projectID + "-data"
}

func labels(projectID string) map[string]string {
	return map[string]string{
		LabelProjectID: projectID,
		LabelManagedBy: ManagedBy,
	}
}

func (c *ProjectCache) sidecarPort() nat.Port {
	return nat.Port(strconv.Itoa(c.config.SidecarPort) + "/tcp")
}

// reconcile registers running sidecars and removes stopped ones.
func (c *ProjectCache) reconcile(ctx context.Context) error {
	logger := c.logger.With("phase", "reconcile")

	containers, err := c.client.ContainerList(ctx, dcontainer.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManagedBy+"="+ManagedBy)),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	var adopted, removed int
	for i := range containers {
		ctr := &containers[i]
		projectID := ctr.Labels[LabelProjectID]
		if projectID == "" {
			continue
		}

		if ctr.State != "running" {
			c.removeContainer(ctx, ctr.ID)
			removed++
			continue
		}

		url, err := c.sidecarURL(ctx, projectID, ctr.ID)
		if err != nil {
			logger.Warn("Failed to resolve sidecar address", "projectId", projectID, "error", err)
			c.removeContainer(ctx, ctr.ID)
			removed++
			continue
		}

		ps := newProjectState()
		ps.volumeName = volumeName(projectID)
		ps.started(ctr.ID, c.newHandle(projectID, url))
		c.state.commit(projectID, ps)
		adopted++
	}

	logger.Info("Reconciliation complete", "adopted", adopted, "removed", removed)
	return nil
}

// GetProject implements container.ProjectCache. The first call for a
// project starts its sidecar; concurrent callers wait for the same start.
//
// A sidecar retired by maintenance while the caller waited is not handed
// out; the caller gets a freshly started one instead.
func (c *ProjectCache) GetProject(ctx context.Context, projectID string) (container.ProjectHandle, error) {
	for {
		if c.isClosed() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ps, created := c.state.getOrReserve(projectID)
		if created && !c.goStart(ctx, projectID, ps) {
			c.state.release(projectID, ps)
			ps.failed(ErrClosed)
			return nil, ErrClosed
		}

		select {
		case <-ps.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if ps.err != nil {
			return nil, ps.err
		}
		if ps.acquire() {
			return ps.handle, nil
		}
	}
}

// goStart starts a reserved sidecar in the background unless the cache is
// closed.
func (c *ProjectCache) goStart(ctx context.Context, projectID string, ps *projectState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.wg.Add(1)
	go c.start(context.WithoutCancel(ctx), projectID, ps)
	return true
}

func (c *ProjectCache) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *ProjectCache) start(ctx context.Context, projectID string, ps *projectState) {
	defer c.wg.Done()
	logger := c.logger.With("projectId", projectID)

	ctx, cancel := context.WithTimeout(ctx, c.config.StartTimeout)
	defer cancel()

	start := time.Now()
	containerID, url, err := c.startSidecar(ctx, projectID)
	if err != nil {
		logger.Error("Failed to start project sidecar", "error", err)
		c.state.release(projectID, ps)
		ps.failed(fmt.Errorf("failed to start sidecar for project %s: %w", projectID, err))
		return
	}

	ps.volumeName = volumeName(projectID)
	ps.started(containerID, c.newHandle(projectID, url))
	logger.Info("Project sidecar started", "containerId", containerID, "url", url, "duration", time.Since(start))
}

func (c *ProjectCache) startSidecar(ctx context.Context, projectID string) (string, string, error) {
	if err := c.pullImageIfNeeded(ctx, c.config.SidecarImage); err != nil {
		return "", "", fmt.Errorf("failed to pull sidecar image: %w", err)
	}

	vol := volumeName(projectID)
	if _, err := c.client.VolumeCreate(ctx, volume.CreateOptions{Name: vol, Labels: labels(projectID)}); err != nil {
		return "", "", fmt.Errorf("failed to create volume: %w", err)
	}

	// A stopped sidecar from an earlier run would hold the name.
	c.removeContainer(ctx, containerName(projectID))

	containerID, err := c.createSidecarContainer(ctx, projectID, vol)
	if err != nil {
		return "", "", fmt.Errorf("failed to create sidecar container: %w", err)
	}
	if err := c.client.ContainerStart(ctx, containerID, dcontainer.StartOptions{}); err != nil {
		c.removeContainer(ctx, containerID)
		return "", "", fmt.Errorf("failed to start sidecar container: %w", err)
	}
	if err := c.waitHealthy(ctx, containerID); err != nil {
		c.removeContainer(ctx, containerID)
		return "", "", err
	}

	url, err := c.sidecarURL(ctx, projectID, containerID)
	if err != nil {
		c.removeContainer(ctx, containerID)
		return "", "", err
	}
	return containerID, url, nil
}

func (c *ProjectCache) createSidecarContainer(ctx context.Context, projectID, vol string) (string, error) {
	env := []string{
		"PROJECT_ID=" + projectID,
		"SIDECAR_PORT=" + strconv.Itoa(c.config.SidecarPort),
		"DATA_DIR=" + c.config.DataDir,
		"CONTROLLER_URL=" + c.config.ControllerURL,
	}
	if c.config.SigningKey != "" {
		env = append(env, "CONTROLLER_SIGNING_KEY="+c.config.SigningKey)
	}
	if c.config.RegistryFile != "" {
		env = append(env, "REGISTRY_FILE="+c.config.RegistryFile)
	}

	// Docker emits health_status events once the sidecar answers /readyz.
	healthCheck := &dcontainer.HealthConfig{
		Test:        []string{"CMD", "/ko-app/vizier-sidecar", "-check-ready"},
		Interval:    healthPollInterval,
		Timeout:     5 * time.Second,
		StartPeriod: c.config.StartTimeout,
	}

	port := c.sidecarPort()
	containerConfig := &dcontainer.Config{
		Image:        c.config.SidecarImage,
		Env:          env,
		User:         "0",
		Healthcheck:  healthCheck,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels:       labels(projectID),
	}

	hostConfig := &dcontainer.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: vol,
				Target: c.config.DataDir,
			},
		},
		ExtraHosts:    c.config.ExtraHosts,
		RestartPolicy: dcontainer.RestartPolicy{Name: dcontainer.RestartPolicyUnlessStopped},
	}
	if c.config.Network != "" {
		hostConfig.NetworkMode = dcontainer.NetworkMode(c.config.Network)
	} else {
		hostConfig.PortBindings = nat.PortMap{port: {{HostIP: "127.0.0.1"}}}
	}

	resp, err := c.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName(projectID))
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// waitHealthy polls the container until its health check passes.
func (c *ProjectCache) waitHealthy(ctx context.Context, containerID string) error {
	op := func() error {
		inspect, err := c.client.ContainerInspect(ctx, containerID)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to inspect sidecar: %w", err))
		}
		if inspect.State == nil {
			return errors.New("sidecar state not available")
		}
		if !inspect.State.Running {
			return backoff.Permanent(fmt.Errorf("sidecar exited with code %d", inspect.State.ExitCode))
		}
		if inspect.State.Health == nil {
			return errors.New("sidecar health not reported")
		}
		switch inspect.State.Health.Status {
		case dcontainer.Healthy:
			return nil
		case dcontainer.Unhealthy:
			return backoff.Permanent(errors.New("sidecar is unhealthy"))
		default:
			return errors.New("sidecar is starting")
		}
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(healthPollInterval), ctx)); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("sidecar did not become healthy: %w", ctx.Err())
		}
		return err
	}
	return nil
}

// sidecarURL returns the address the engine reaches a sidecar at: its name
// on the shared network, or the host port docker published.
func (c *ProjectCache) sidecarURL(ctx context.Context, projectID, containerID string) (string, error) {
	if c.config.Network != "" {
		return fmt.Sprintf("http://%s:%d", containerName(projectID), c.config.SidecarPort), nil
	}

	inspect, err := c.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect sidecar: %w", err)
	}
	if inspect.NetworkSettings == nil {
		return "", errors.New("sidecar has no network settings")
	}
	for _, binding := range inspect.NetworkSettings.Ports[c.sidecarPort()] {
		if binding.HostPort == "" {
			continue
		}
		host := binding.HostIP
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		return "http://" + host + ":" + binding.HostPort, nil
	}
	return "", fmt.Errorf("sidecar port %s is not published", c.sidecarPort())
}

func (c *ProjectCache) newHandle(projectID, url string) *container.HTTPProject {
	return container.NewHTTPProject(url, c.httpClient, c.breakers.Get(projectID))
}

func (c *ProjectCache) pullImageIfNeeded(ctx context.Context, imageName string) error {
	if _, err := c.client.ImageInspect(ctx, imageName); err == nil {
		return nil
	}

	reader, err := c.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (c *ProjectCache) removeContainer(ctx context.Context, containerID string) {
	const stopTimeout = 10
	timeout := stopTimeout
	_ = c.client.ContainerStop(ctx, containerID, dcontainer.StopOptions{Timeout: &timeout})
	_ = c.client.ContainerRemove(ctx, containerID, dcontainer.RemoveOptions{Force: true})
}

// runMaintenance periodically stops idle sidecars.
func (c *ProjectCache) runMaintenance(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.stopIdleProjects(ctx)
		}
	}
}

// stopIdleProjects removes sidecars that were not used for IdleTimeout and
// run no tasks. Project volumes are kept.
func (c *ProjectCache) stopIdleProjects(ctx context.Context) {
	now := time.Now()
	var stopped int
	for projectID, ps := range c.state.list() {
		idle := ps.idleSince()
		if !ps.isReady() || now.Sub(idle) < c.config.IdleTimeout {
			continue
		}
		status, err := ps.handle.Status(ctx)
		if err == nil && status.Running > 0 {
			continue
		}
		// Fails if a caller acquired the sidecar during the status check.
		if !c.state.retire(projectID, ps, idle) {
			continue
		}
		c.removeContainer(ctx, ps.containerID)
		c.breakers.Remove(projectID)
		stopped++
		c.logger.Debug("Stopped idle project sidecar", "projectId", projectID, "containerId", ps.containerID)
	}
	if stopped > 0 {
		c.logger.Info("Maintenance complete", "stopped", stopped)
	}
}

// Stats returns the number of ready and starting sidecars.
func (c *ProjectCache) Stats() Stats {
	var stats Stats
	for _, ps := range c.state.list() {
		if ps.isReady() {
			stats.Ready++
		} else {
			stats.Starting++
		}
	}
	return stats
}

// Breakers returns the per-project circuit breakers.
func (c *ProjectCache) Breakers() *circuitbreaker.Registry {
	return c.breakers
}

// Ready checks if the Docker daemon is reachable and responsive.
func (c *ProjectCache) Ready(ctx context.Context) error {
	_, err := c.client.Ping(ctx)
	return err
}

// Close stops maintenance and waits for sidecars that are starting.
// Running sidecars are left in place for the next engine process.
func (c *ProjectCache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.cancelMaintenance != nil {
		c.cancelMaintenance()
	}
	c.wg.Wait()
	return c.client.Close()
}

var _ container.ProjectCache = (*ProjectCache)(nil)
