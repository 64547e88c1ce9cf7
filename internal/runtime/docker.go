package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/basket/go-conductor/internal/config"
	"github.com/basket/go-conductor/internal/shared"
)

const (
	labelSession  = "conductor.session"
	labelAgent    = "conductor.agent"
	labelRole     = "conductor.role"
	labelOwnerKey = "conductor.owner_key"
	sessionMount  = "/session"
)

// Docker runs each Send as an ephemeral container over a per-session named
// volume. The agent image reads its prompt from CONDUCTOR_PROMPT and reports
// progress as JSON lines on stdout (see dockerEvent).
type Docker struct {
	client  *client.Client
	image   string
	memory  int64
	network string
	command []string
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]Config
}

var (
	_ Runtime = (*Docker)(nil)
	_ Purger  = (*Docker)(nil)
)

// NewDocker connects to the daemon configured by the environment.
func NewDocker(cfg config.DockerRuntimeConfig, logger *slog.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	image := cfg.Image
	if image == "" {
		image = "ghcr.io/basket/conductor-agent:latest"
	}
	memoryMB := cfg.MemoryMB
	if memoryMB <= 0 {
		memoryMB = 2048
	}
	network := cfg.Network
	if network == "" {
		network = "bridge"
	}
	return &Docker{
		client:   cli,
		image:    image,
		memory:   memoryMB * 1024 * 1024,
		network:  network,
		command:  cfg.Command,
		logger:   logger.With("component", "runtime", "runtime", "docker"),
		sessions: make(map[string]Config),
	}, nil
}

func (d *Docker) bind(sessionID string, cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[sessionID] = cfg
}

func volumeName(sessionID string) string {
	return "conductor-" + sessionID
}

func (d *Docker) Create(ctx context.Context, sessionID string, cfg Config) (Handle, error) {
	_, err := d.client.VolumeCreate(ctx, volume.CreateOptions{
		Name: volumeName(sessionID),
		Labels: map[string]string{
			labelSession:  sessionID,
			labelAgent:    cfg.AgentID,
			labelRole:     string(cfg.Role),
			labelOwnerKey: cfg.OwnerKey,
		},
	})
	if err != nil {
		return Handle{}, fmt.Errorf("create session volume: %w: %v", ErrUnavailable, err)
	}
	d.bind(sessionID, cfg)
	return Handle{SessionID: sessionID, AgentID: cfg.AgentID, Ref: volumeName(sessionID)}, nil
}

func (d *Docker) Resume(ctx context.Context, sessionID string, cfg Config) (Handle, error) {
	if _, err := d.client.VolumeInspect(ctx, volumeName(sessionID)); err != nil {
		if client.IsErrNotFound(err) {
			return Handle{}, fmt.Errorf("resume %s: %w", sessionID, ErrSessionNotFound)
		}
		return Handle{}, fmt.Errorf("inspect session volume: %w: %v", ErrUnavailable, err)
	}
	d.bind(sessionID, cfg)
	return Handle{SessionID: sessionID, AgentID: cfg.AgentID, Ref: volumeName(sessionID)}, nil
}

// dockerEvent is one stdout line of the agent image.
type dockerEvent struct {
	Event    string          `json:"event"`
	Tool     string          `json:"tool,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Text     string          `json:"text,omitempty"`
	Keys     []string        `json:"keys,omitempty"`
	Wake     string          `json:"wake,omitempty"`
	Summary  string          `json:"summary,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Artifact string          `json:"artifact,omitempty"`
}

func (d *Docker) env(cfg Config, prompt string) []string {
	env := []string{
		"CONDUCTOR_PROMPT=" + prompt,
		"CONDUCTOR_AGENT_ID=" + cfg.AgentID,
		"CONDUCTOR_ROLE=" + string(cfg.Role),
		"CONDUCTOR_OWNER_KEY=" + cfg.OwnerKey,
		"CONDUCTOR_SESSION_DIR=" + sessionMount,
		"CONDUCTOR_TOOLS=" + strings.Join(cfg.Tools, ","),
	}
	if cfg.Instructions != "" {
		env = append(env, "CONDUCTOR_INSTRUCTIONS="+cfg.Instructions)
	}
	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+cfg.Env[k])
	}
	return env
}

// Send runs one container to completion. Tool events pass through the gate
// as they stream; a halt kills the container.
func (d *Docker) Send(ctx context.Context, h Handle, prompt string, gate Gate) (Result, error) {
	d.mu.Lock()
	cfg, ok := d.sessions[h.SessionID]
	d.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("send %s: %w", h.SessionID, ErrSessionNotFound)
	}
	if gate == nil {
		gate = AllowAll()
	}
	if err := gate.BeginTurn(ctx); err != nil {
		return Result{}, err
	}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:  d.image,
		Cmd:    d.command,
		Env:    d.env(cfg, prompt),
		Labels: map[string]string{labelSession: h.SessionID, labelAgent: h.AgentID},
		Tty:    false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: d.memory,
		},
		NetworkMode: container.NetworkMode(d.network),
		Binds:       []string{fmt.Sprintf("%s:%s", h.Ref, sessionMount)},
	}, nil, nil, "")
	if err != nil {
		return Result{}, fmt.Errorf("create container: %w: %v", ErrUnavailable, err)
	}
	containerID := resp.ID
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.client.ContainerRemove(rmCtx, containerID, container.RemoveOptions{Force: true})
	}()

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("start container: %w: %v", ErrUnavailable, err)
	}

	logs, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return Result{}, fmt.Errorf("attach logs: %w", err)
	}
	defer logs.Close()

	stdout, stdoutW := io.Pipe()
	defer stdout.Close()
	go func() {
		_, copyErr := stdcopy.StdCopy(stdoutW, io.Discard, logs)
		stdoutW.CloseWithError(copyErr)
	}()

	result, streamErr := d.consume(ctx, cfg, stdout, gate)
	if streamErr != nil {
		_ = d.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		return Result{}, streamErr
	}

	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return Result{}, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		if status.StatusCode != 0 && result.Outcome == OutcomeIdle {
			return Result{}, fmt.Errorf("agent container exited with %d", status.StatusCode)
		}
	case <-ctx.Done():
		_ = d.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		return Result{}, ctx.Err()
	}
	return result, nil
}

// consume reads event lines until EOF or a terminal event.
func (d *Docker) consume(ctx context.Context, cfg Config, r io.Reader, gate Gate) (Result, error) {
	res := Result{Outcome: OutcomeIdle}
	var text strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] != '{' {
			continue
		}
		var ev dockerEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			d.logger.Debug("skip unparsable agent line", "error", err)
			continue
		}
		switch ev.Event {
		case "text":
			text.WriteString(ev.Text)
		case "turn":
			if err := gate.BeginTurn(ctx); err != nil {
				return Result{}, err
			}
		case "tool_call":
			call := ToolCall{Name: ev.Tool, Args: string(ev.Args)}
			if err := gate.AllowTool(ctx, call); err != nil {
				if errors.Is(err, ErrToolDenied) {
					d.logger.Info("tool refused", "agent_id", cfg.AgentID, "tool", ev.Tool, "error", err)
					continue
				}
				return Result{}, err
			}
			if bind, ok := cfg.Bindings[ev.Tool]; ok {
				if _, err := bind(ctx, ev.Args); err != nil {
					d.logger.Warn("host tool failed", "agent_id", cfg.AgentID, "tool", ev.Tool, "error", err)
				}
			}
		case "blocked":
			res = Result{Outcome: OutcomeBlocked, BlockerKeys: ev.Keys, WakeCondition: ev.Wake}
		case "done":
			res = Result{Outcome: OutcomeCompleted, Summary: ev.Summary, Artifact: ev.Artifact}
		case "stuck":
			res = Result{Outcome: OutcomeStuck, Reason: ev.Reason}
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return Result{}, fmt.Errorf("read agent output: %w", err)
	}
	res.Text = text.String()
	return res, nil
}

// Destroy releases the in-process binding. The session volume stays so the
// session can be resumed; Purge deletes it.
func (d *Docker) Destroy(ctx context.Context, h Handle) error {
	d.mu.Lock()
	delete(d.sessions, h.SessionID)
	d.mu.Unlock()
	return nil
}

// Purge deletes the session volume.
func (d *Docker) Purge(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	delete(d.sessions, sessionID)
	d.mu.Unlock()
	if err := d.client.VolumeRemove(ctx, volumeName(sessionID), true); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove session volume: %w", err)
	}
	return nil
}

func (d *Docker) ListSessions(ctx context.Context, f Filter) ([]SessionMeta, error) {
	args := filters.NewArgs(filters.Arg("label", labelSession))
	if f.Role != "" {
		args.Add("label", labelRole+"="+string(f.Role))
	}
	if f.OwnerKey != "" {
		args.Add("label", labelOwnerKey+"="+f.OwnerKey)
	}
	resp, err := d.client.VolumeList(ctx, volume.ListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list session volumes: %w", err)
	}
	out := make([]SessionMeta, 0, len(resp.Volumes))
	for _, v := range resp.Volumes {
		meta := SessionMeta{
			SessionID: v.Labels[labelSession],
			AgentID:   v.Labels[labelAgent],
			Role:      shared.Role(v.Labels[labelRole]),
			OwnerKey:  v.Labels[labelOwnerKey],
		}
		if ts, err := time.Parse(time.RFC3339, v.CreatedAt); err == nil {
			meta.CreatedAt = ts
		}
		out = append(out, meta)
	}
	return out, nil
}

// Close closes the docker client.
func (d *Docker) Close() error {
	return d.client.Close()
}
