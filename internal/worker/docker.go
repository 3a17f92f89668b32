package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// containerConfigPath is where the worker config file is mounted.
const containerConfigPath = "/etc/juttled/config.yaml"

// DockerLauncher runs each worker in its own container, attached to the
// container's stdio.
type DockerLauncher struct {
	client     *client.Client
	image      string
	cpu        float64
	memoryMB   int
	configPath string
}

// NewDockerLauncher connects to the Docker daemon described by the environment.
func NewDockerLauncher(cfg Config) (*DockerLauncher, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerLauncher{
		client:     dockerClient,
		image:      cfg.Image,
		cpu:        cfg.CPU,
		memoryMB:   cfg.MemoryMB,
		configPath: cfg.ConfigPath,
	}, nil
}

// Ready pings the Docker daemon.
func (l *DockerLauncher) Ready(ctx context.Context) error {
	_, err := l.client.Ping(ctx)
	return err
}

// Close releases the Docker client.
func (l *DockerLauncher) Close() error {
	return l.client.Close()
}

func (l *DockerLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	logger := slog.With("component", "docker", "jobId", spec.JobID)

	if err := l.pullImageIfNeeded(ctx); err != nil {
		return nil, fmt.Errorf("pull worker image: %w", err)
	}

	id, err := l.createContainer(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("create worker container: %w", err)
	}

	attach, err := l.client.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		l.remove(id)
		return nil, fmt.Errorf("attach worker container: %w", err)
	}

	if err := l.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		attach.Close()
		l.remove(id)
		return nil, fmt.Errorf("start worker container: %w", err)
	}

	pid := 0
	if inspect, err := l.client.ContainerInspect(ctx, id); err == nil && inspect.State != nil {
		pid = inspect.State.Pid
	} else if err != nil {
		logger.Warn("Failed to inspect worker container", "error", err)
	}

	p := newContainerProcess(l, id, pid, attach)
	logger.Debug("Worker container started", "containerId", id, "pid", pid)
	return p, nil
}

func (l *DockerLauncher) createContainer(ctx context.Context, spec Spec) (string, error) {
	containerConfig := &container.Config{
		Image:        l.image,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			"job.id":     spec.JobID,
			"job.type":   "worker",
			"managed-by": "juttled",
		},
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(l.cpu * 1e9),
			Memory:   int64(l.memoryMB) * 1024 * 1024,
		},
	}
	if l.configPath != "" {
		containerConfig.Cmd = []string{containerConfigPath}
		hostConfig.Binds = []string{l.configPath + ":" + containerConfigPath + ":ro"}
	}

	name := fmt.Sprintf("juttle-%s-worker", spec.JobID)
	resp, err := l.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (l *DockerLauncher) pullImageIfNeeded(ctx context.Context) error {
	if _, err := l.client.ImageInspect(ctx, l.image); err == nil {
		return nil
	}

	reader, err := l.client.ImagePull(ctx, l.image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (l *DockerLauncher) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := l.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		slog.Debug("Failed to remove worker container", "containerId", id, "error", err)
	}
}

// containerProcess adapts an attached container to Process.
type containerProcess struct {
	launcher *DockerLauncher
	id       string
	pid      int
	attach   types.HijackedResponse
	stdout   *io.PipeReader
	stderr   *io.PipeReader

	waitOnce sync.Once
	status   ExitStatus
}

func newContainerProcess(l *DockerLauncher, id string, pid int, attach types.HijackedResponse) *containerProcess {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	p := &containerProcess{launcher: l, id: id, pid: pid, attach: attach, stdout: outR, stderr: errR}

	// Without a TTY the attach stream multiplexes stdout and stderr.
	go func() {
		_, err := stdcopy.StdCopy(outW, errW, attach.Reader)
		_ = outW.CloseWithError(err)
		_ = errW.CloseWithError(err)
	}()
	return p
}

func (p *containerProcess) Stdin() io.WriteCloser { return containerStdin{p.attach} }
func (p *containerProcess) Stdout() io.Reader     { return p.stdout }
func (p *containerProcess) Stderr() io.Reader     { return p.stderr }
func (p *containerProcess) Pid() int              { return p.pid }

func (p *containerProcess) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.launcher.client.ContainerKill(ctx, p.id, "SIGKILL")
}

func (p *containerProcess) Wait() ExitStatus {
	p.waitOnce.Do(func() {
		statusCh, errCh := p.launcher.client.ContainerWait(context.Background(), p.id, container.WaitConditionNotRunning)
		select {
		case err := <-errCh:
			p.status = ExitStatus{Code: -1, Err: err}
		case st := <-statusCh:
			p.status = ExitStatus{Code: int(st.StatusCode)}
			if st.Error != nil {
				p.status.Err = fmt.Errorf("%s", st.Error.Message)
			}
			// 128+9: the container's init was killed.
			if st.StatusCode == 137 {
				p.status.Signal = "killed"
			}
		}
		p.attach.Close()
		p.launcher.remove(p.id)
	})
	return p.status
}

type containerStdin struct {
	attach types.HijackedResponse
}

func (s containerStdin) Write(b []byte) (int, error) {
	return s.attach.Conn.Write(b)
}

func (s containerStdin) Close() error {
	return s.attach.CloseWrite()
}
