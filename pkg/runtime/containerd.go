// Package runtime is the thin, synchronous contract over the container
// runtime that the pool manager drives: image management, lifecycle
// (create/start/stop/remove), inspection, exec, logs, and listing (§4.3).
// No pool state lives here — the adapter only ever talks to containerd.
package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// DefaultNamespace is the containerd namespace agentpool operates in.
	DefaultNamespace = "agentpool"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// DiscriminatorLabel marks every container this pool manages, per §6.5.
	DiscriminatorLabel = "agentpool.docker-cc"
)

// CreateArgs carries every container-creation parameter §4.3 specifies:
// labels, resource caps, network, security, mounts, and environment.
type CreateArgs struct {
	Name        string
	Image       string
	SessionKey  string
	AgentID     string
	Fingerprint string
	CreatedAtMs int64

	Env map[string]string

	MemoryLimitBytes uint64
	CPUCores         float64
	PidsLimit        int64

	Network      string
	CapDrop      []string
	SecurityOpts []string

	WorkspaceHostPath      string
	WorkspaceContainerPath string
	ExtraBinds             []specs.Mount
}

// InspectResult is the existence/running summary the pool manager needs
// for health and reconciliation decisions.
type InspectResult struct {
	Exists  bool
	Running bool
}

// ExecResult is the outcome of a one-shot exec inside a running
// container.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runtime is the narrow interface the pool manager depends on, so tests
// can substitute a fake without a live containerd socket.
type Runtime interface {
	Available(ctx context.Context) bool
	ImageExists(ctx context.Context, image string) (bool, error)
	PullImage(ctx context.Context, image string) error
	EnsureImage(ctx context.Context, image string) error

	Create(ctx context.Context, args CreateArgs) (string, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string, grace time.Duration) error
	Remove(ctx context.Context, name string, force bool) error

	InspectState(ctx context.Context, name string) (InspectResult, error)
	InspectLabels(ctx context.Context, name string) (map[string]string, error)
	List(ctx context.Context, labelFilter map[string]string) ([]string, error)

	ExecInContainer(ctx context.Context, name string, argv []string, timeout time.Duration) (ExecResult, error)
	Logs(ctx context.Context, name string, tailLines int, since time.Time) (string, error)
}

// ContainerdRuntime implements Runtime over a real containerd socket.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdRuntime connects to the containerd socket at socketPath
// (DefaultSocketPath if empty).
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("runtime: connect to containerd: %w", err)
	}

	return &ContainerdRuntime{client: client, namespace: DefaultNamespace}, nil
}

// Close releases the containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// Available reports whether the containerd daemon answers a basic RPC.
func (r *ContainerdRuntime) Available(ctx context.Context) bool {
	if r.client == nil {
		return false
	}
	_, err := r.client.Version(r.ctx(ctx))
	return err == nil
}

// ImageExists reports whether image has already been pulled.
func (r *ContainerdRuntime) ImageExists(ctx context.Context, image string) (bool, error) {
	_, err := r.client.GetImage(r.ctx(ctx), image)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// PullImage pulls image, unpacking it for the snapshotter.
func (r *ContainerdRuntime) PullImage(ctx context.Context, image string) error {
	_, err := r.client.Pull(r.ctx(ctx), image, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("runtime: pull image %s: %w", image, err)
	}
	return nil
}

// EnsureImage pulls image only if it isn't already present.
func (r *ContainerdRuntime) EnsureImage(ctx context.Context, image string) error {
	exists, err := r.ImageExists(ctx, image)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return r.PullImage(ctx, image)
}

// Create builds the OCI spec from args and creates (but does not start) a
// container: image config, env, resource caps, dropped capabilities,
// workspace bind mount plus any extra binds, and the discriminator +
// session/agent/fingerprint labels of §6.5.
func (r *ContainerdRuntime) Create(ctx context.Context, args CreateArgs) (string, error) {
	nsCtx := r.ctx(ctx)

	image, err := r.client.GetImage(nsCtx, args.Image)
	if err != nil {
		return "", fmt.Errorf("runtime: get image %s: %w", args.Image, err)
	}

	env := make([]string, 0, len(args.Env))
	for k, v := range args.Env {
		env = append(env, k+"="+v)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
	}

	if args.CPUCores > 0 {
		shares := uint64(args.CPUCores * 1024)
		quota := int64(args.CPUCores * 100000)
		period := uint64(100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, period))
	}
	if args.MemoryLimitBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(args.MemoryLimitBytes))
	}
	if args.PidsLimit > 0 {
		opts = append(opts, oci.WithPidsLimit(args.PidsLimit))
	}
	if len(args.CapDrop) > 0 {
		opts = append(opts, oci.WithDroppedCapabilities(args.CapDrop))
	}

	mounts := make([]specs.Mount, 0, len(args.ExtraBinds)+1)
	if args.WorkspaceHostPath != "" {
		mounts = append(mounts, specs.Mount{
			Source:      args.WorkspaceHostPath,
			Destination: args.WorkspaceContainerPath,
			Type:        "bind",
			Options:     []string{"rbind"},
		})
	}
	mounts = append(mounts, args.ExtraBinds...)
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	labels := map[string]string{
		DiscriminatorLabel: "1",
		"session_key":      args.SessionKey,
		"fingerprint":      args.Fingerprint,
		"created_at_ms":    fmt.Sprintf("%d", args.CreatedAtMs),
	}
	if args.AgentID != "" {
		labels["agent_id"] = args.AgentID
	}

	ctrdContainer, err := r.client.NewContainer(
		nsCtx,
		args.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(args.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return "", fmt.Errorf("runtime: create container: %w", err)
	}

	return ctrdContainer.ID(), nil
}

// Start creates and starts the container's task.
func (r *ContainerdRuntime) Start(ctx context.Context, name string) error {
	nsCtx := r.ctx(ctx)

	container, err := r.client.LoadContainer(nsCtx, name)
	if err != nil {
		return fmt.Errorf("runtime: load container %s: %w", name, err)
	}

	task, err := container.NewTask(nsCtx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("runtime: create task: %w", err)
	}
	if err := task.Start(nsCtx); err != nil {
		return fmt.Errorf("runtime: start task: %w", err)
	}
	return nil
}

// Stop sends SIGTERM, waits up to grace, then force-kills with SIGKILL
// and deletes the task.
func (r *ContainerdRuntime) Stop(ctx context.Context, name string, grace time.Duration) error {
	nsCtx := r.ctx(ctx)

	container, err := r.client.LoadContainer(nsCtx, name)
	if err != nil {
		return fmt.Errorf("runtime: load container %s: %w", name, err)
	}

	task, err := container.Task(nsCtx, nil)
	if err != nil {
		// No task: already stopped.
		return nil
	}

	stopCtx, cancel := context.WithTimeout(nsCtx, grace)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("runtime: signal task: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("runtime: wait for task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(nsCtx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("runtime: force-kill task: %w", err)
		}
	}

	if _, err := task.Delete(nsCtx); err != nil {
		return fmt.Errorf("runtime: delete task: %w", err)
	}
	return nil
}

// Remove deletes the container and its snapshot. force also stops it
// first if still running.
func (r *ContainerdRuntime) Remove(ctx context.Context, name string, force bool) error {
	nsCtx := r.ctx(ctx)

	container, err := r.client.LoadContainer(nsCtx, name)
	if err != nil {
		// Already gone.
		return nil
	}

	if force {
		_ = r.Stop(ctx, name, 10*time.Second)
	}

	if err := container.Delete(nsCtx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("runtime: delete container: %w", err)
	}
	return nil
}

// InspectState reports whether name exists and, if so, whether its task
// is running.
func (r *ContainerdRuntime) InspectState(ctx context.Context, name string) (InspectResult, error) {
	nsCtx := r.ctx(ctx)

	container, err := r.client.LoadContainer(nsCtx, name)
	if err != nil {
		return InspectResult{Exists: false}, nil
	}

	task, err := container.Task(nsCtx, nil)
	if err != nil {
		return InspectResult{Exists: true, Running: false}, nil
	}

	status, err := task.Status(nsCtx)
	if err != nil {
		return InspectResult{Exists: true, Running: false}, fmt.Errorf("runtime: task status: %w", err)
	}

	return InspectResult{Exists: true, Running: status.Status == containerd.Running}, nil
}

// InspectLabels returns the container's stored labels.
func (r *ContainerdRuntime) InspectLabels(ctx context.Context, name string) (map[string]string, error) {
	nsCtx := r.ctx(ctx)

	container, err := r.client.LoadContainer(nsCtx, name)
	if err != nil {
		return nil, fmt.Errorf("runtime: load container %s: %w", name, err)
	}
	return container.Labels(nsCtx)
}

// List returns container names whose labels match every key/value in
// labelFilter (the discriminator label is the caller's usual filter).
func (r *ContainerdRuntime) List(ctx context.Context, labelFilter map[string]string) ([]string, error) {
	nsCtx := r.ctx(ctx)

	filters := make([]string, 0, len(labelFilter))
	for k, v := range labelFilter {
		filters = append(filters, fmt.Sprintf(`labels."%s"==%q`, k, v))
	}

	containers, err := r.client.Containers(nsCtx, filters...)
	if err != nil {
		return nil, fmt.Errorf("runtime: list containers: %w", err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}
	return ids, nil
}

// ExecInContainer runs argv inside the container's namespaces and
// collects its output, bounded by timeout.
func (r *ContainerdRuntime) ExecInContainer(ctx context.Context, name string, argv []string, timeout time.Duration) (ExecResult, error) {
	nsCtx := r.ctx(ctx)
	execCtx, cancel := context.WithTimeout(nsCtx, timeout)
	defer cancel()

	container, err := r.client.LoadContainer(nsCtx, name)
	if err != nil {
		return ExecResult{}, fmt.Errorf("runtime: load container %s: %w", name, err)
	}
	task, err := container.Task(nsCtx, nil)
	if err != nil {
		return ExecResult{}, fmt.Errorf("runtime: container %s has no task: %w", name, err)
	}

	var stdout, stderr strings.Builder
	process, err := task.Exec(execCtx, name+"-exec", &specs.Process{Args: argv, Cwd: "/"}, cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)))
	if err != nil {
		return ExecResult{}, fmt.Errorf("runtime: exec: %w", err)
	}

	statusC, err := process.Wait(execCtx)
	if err != nil {
		return ExecResult{}, fmt.Errorf("runtime: wait for exec: %w", err)
	}
	if err := process.Start(execCtx); err != nil {
		return ExecResult{}, fmt.Errorf("runtime: start exec: %w", err)
	}

	select {
	case status := <-statusC:
		code, _, _ := status.Result()
		_, _ = process.Delete(execCtx)
		return ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: int(code)}, nil
	case <-execCtx.Done():
		_ = process.Kill(ctx, syscall.SIGKILL)
		return ExecResult{}, fmt.Errorf("runtime: exec timed out after %s", timeout)
	}
}

// Logs returns up to tailLines of combined stdout/stderr emitted since
// the given time. Left unimplemented pending a persistent log sink; the
// wrapper's own output stream (via the broker) is the primary channel for
// agent output, so this is a diagnostic fallback only.
func (r *ContainerdRuntime) Logs(ctx context.Context, name string, tailLines int, since time.Time) (string, error) {
	return "", fmt.Errorf("runtime: log retrieval for %s not implemented; stream output via the broker instead", name)
}

var _ io.Closer = (*ContainerdRuntime)(nil)
