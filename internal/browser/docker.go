package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/go-rod/rod"
	"go.uber.org/multierr"
)

const (
	chromeImage     = "browserless/chrome:latest"
	chromePort      = "3000/tcp"
	readyRetries    = 20
	readyRetryDelay = 500 * time.Millisecond
)

// DockerLauncher runs each browser in its own browserless/chrome container.
type DockerLauncher struct {
	client   *client.Client
	workerID string
}

// NewDockerLauncher connects to the docker daemon from the environment.
func NewDockerLauncher(workerID string) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerLauncher{client: cli, workerID: workerID}, nil
}

// Launch starts a browser container and connects to it over CDP.
func (d *DockerLauncher) Launch(ctx context.Context, id string) (Instance, error) {
	containerConfig := &container.Config{
		Image: chromeImage,
		Labels: map[string]string{
			"browser-id": id,
			"worker-id":  d.workerID,
			"managed-by": "meetbot",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
			"DEFAULT_LAUNCH_ARGS=[\"--autoplay-policy=no-user-gesture-required\",\"--use-fake-ui-for-media-stream\",\"--lang=en\"]",
		},
		ExposedPorts: nat.PortSet{
			chromePort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			chromePort: []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: "0",
				},
			},
		},
		ShmSize: 512 * 1024 * 1024,
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "meetbot-browser-"+id[:8])
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	inst := &dockerInstance{client: d.client, containerID: resp.ID}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = inst.remove(context.Background())
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := d.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		_ = inst.Close(context.Background())
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports[chromePort]
	if len(bindings) == 0 {
		_ = inst.Close(context.Background())
		return nil, fmt.Errorf("container %s exposes no port for %s", resp.ID[:12], chromePort)
	}
	port := bindings[0].HostPort

	if err := waitForBrowserReady(ctx, port); err != nil {
		_ = inst.Close(context.Background())
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}

	inst.controlURL = fmt.Sprintf("ws://127.0.0.1:%s", port)
	inst.browser = rod.New().ControlURL(inst.controlURL)
	if err := inst.browser.Connect(); err != nil {
		inst.browser = nil
		_ = inst.Close(context.Background())
		return nil, fmt.Errorf("connect to container browser: %w", err)
	}

	return inst, nil
}

// EnsureImage pulls the browser image if it is not present locally.
func (d *DockerLauncher) EnsureImage(ctx context.Context) error {
	images, err := d.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == chromeImage {
				return nil
			}
		}
	}

	reader, err := d.client.ImagePull(ctx, chromeImage, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// Close releases the docker client.
func (d *DockerLauncher) Close() error {
	return d.client.Close()
}

type dockerInstance struct {
	client      *client.Client
	containerID string
	controlURL  string
	browser     *rod.Browser
}

func (i *dockerInstance) ControlURL() string { return i.controlURL }

func (i *dockerInstance) Rod() *rod.Browser { return i.browser }

func (i *dockerInstance) Close(ctx context.Context) error {
	var errs error
	if i.browser != nil {
		if err := i.browser.Close(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	timeout := 10
	if err := i.client.ContainerStop(ctx, i.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to stop container: %w", err))
	}
	return multierr.Append(errs, i.remove(ctx))
}

func (i *dockerInstance) remove(ctx context.Context) error {
	if err := i.client.ContainerRemove(ctx, i.containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// waitForBrowserReady polls the DevTools version endpoint until it answers.
func waitForBrowserReady(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://127.0.0.1:%s/json/version", port)
	httpClient := &http.Client{Timeout: 2 * time.Second}

	for i := 0; i < readyRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyRetryDelay):
		}
	}

	return fmt.Errorf("browser did not become ready after %d retries", readyRetries)
}
