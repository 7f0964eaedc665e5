package vm

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"microvm-sandbox/internal/config"
)

// ContainerdLauncher is the fallback backend for hosts without /dev/kvm. It
// trades hardware isolation for namespace isolation, so deployments that
// require a real guest boundary must insist on the krunvm backend.
type ContainerdLauncher struct {
	client    *containerd.Client
	namespace string
}

func newContainerdLauncher(ctx context.Context, cfg config.VMConfig) (*ContainerdLauncher, error) {
	socket := cfg.ContainerdSocket
	if socket == "" {
		socket = "/run/containerd/containerd.sock"
	}

	client, err := containerd.New(socket,
		containerd.WithDefaultNamespace(cfg.ContainerdNamespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to containerd at %s: %v", ErrLauncherUnavailable, socket, err)
	}

	if _, err := client.Version(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: containerd health check failed: %v", ErrLauncherUnavailable, err)
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", cfg.ContainerdNamespace).
		Msg("connected to containerd")

	return &ContainerdLauncher{client: client, namespace: cfg.ContainerdNamespace}, nil
}

func (l *ContainerdLauncher) Name() string { return "containerd" }

// Close shuts down the containerd connection.
func (l *ContainerdLauncher) Close() error {
	return l.client.Close()
}

func (l *ContainerdLauncher) withNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, l.namespace)
}

// pullImage fetches the image unless it is already in the content store.
func (l *ContainerdLauncher) pullImage(ctx context.Context, ref string) (containerd.Image, error) {
	ctx = l.withNamespace(ctx)

	image, err := l.client.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}

	log.Info().Str("ref", ref).Msg("pulling image")
	image, err = l.client.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return image, nil
}

func (l *ContainerdLauncher) Create(ctx context.Context, spec Spec) (Instance, error) {
	image, err := l.pullImage(ctx, spec.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImagePreparation, err)
	}

	nsCtx := l.withNamespace(ctx)
	container, err := l.client.NewContainer(nsCtx, spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(spec.Command...),
			oci.WithProcessCwd(spec.WorkDir),
			oci.WithHostname("sandbox"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				applyResourceLimits(s, spec.CPUs, spec.MemoryMB)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: spec.WorkDir,
					Type:        "bind",
					Source:      spec.HostWorkDir,
					Options:     []string{"rbind", "rw"},
				})

				s.Process.Env = append(s.Process.Env, "SANDBOX=true")
				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: creating container %s: %v", ErrLaunch, spec.Name, err)
	}

	return &containerdInstance{launcher: l, container: container, name: spec.Name}, nil
}

// applyResourceLimits caps CPU via a CFS quota and memory with swap pinned to
// the same value so the guest cannot sidestep the limit through swap.
func applyResourceLimits(s *specs.Spec, cpus, memoryMB int) {
	if s.Linux == nil {
		s.Linux = &specs.Linux{}
	}
	if s.Linux.Resources == nil {
		s.Linux.Resources = &specs.LinuxResources{}
	}

	period := uint64(100000)
	quota := int64(cpus) * int64(period)
	s.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := int64(memoryMB) * 1024 * 1024
	s.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes,
	}
}

type containerdInstance struct {
	launcher  *ContainerdLauncher
	container containerd.Container
	name      string

	mu   sync.Mutex
	task containerd.Task
}

func (i *containerdInstance) Start(ctx context.Context, stdout, stderr io.Writer) (ExitStatus, error) {
	nsCtx := i.launcher.withNamespace(ctx)

	task, err := i.container.NewTask(nsCtx,
		cio.NewCreator(cio.WithStreams(nil, stdout, stderr)),
	)
	if err != nil {
		return ExitStatus{Code: -1}, fmt.Errorf("%w: creating task %s: %v", ErrLaunch, i.name, err)
	}

	i.mu.Lock()
	i.task = task
	i.mu.Unlock()

	exitCh, err := task.Wait(nsCtx)
	if err != nil {
		return ExitStatus{Code: -1}, fmt.Errorf("%w: waiting on task %s: %v", ErrLaunch, i.name, err)
	}

	if err := task.Start(nsCtx); err != nil {
		return ExitStatus{Code: -1}, fmt.Errorf("%w: starting task %s: %v", ErrLaunch, i.name, err)
	}

	select {
	case status := <-exitCh:
		return ExitStatus{Code: int(status.ExitCode()), GuestRan: true}, nil
	case <-ctx.Done():
		_ = task.Kill(namespaces.WithNamespace(context.Background(), i.launcher.namespace), 9)
		<-exitCh
		return ExitStatus{Code: -1}, ctx.Err()
	}
}

func (i *containerdInstance) Kill(ctx context.Context) error {
	i.mu.Lock()
	task := i.task
	i.mu.Unlock()

	if task == nil {
		return nil
	}
	if err := task.Kill(i.launcher.withNamespace(ctx), 9); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("killing task %s: %w", i.name, err)
	}
	return nil
}

// Delete tears down the task and container with their snapshot. Idempotent;
// not-found from either step is success.
func (i *containerdInstance) Delete(ctx context.Context) error {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cleanupCtx = i.launcher.withNamespace(cleanupCtx)

	logger := log.With().Str("vm", i.name).Logger()

	i.mu.Lock()
	task := i.task
	i.task = nil
	i.mu.Unlock()

	if task == nil {
		if t, err := i.container.Task(cleanupCtx, nil); err == nil {
			task = t
		}
	}
	if task != nil {
		if _, err := task.Delete(cleanupCtx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			logger.Warn().Err(err).Msg("failed to delete task")
		}
	}

	if err := i.container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("deleting container %s: %w", i.name, err)
	}

	logger.Debug().Msg("container cleaned up")
	return nil
}
