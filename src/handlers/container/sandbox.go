// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package container

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"continuumtasks/src/logging"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const sandboxNetworkName = "continuum_sandbox"

// ErrScriptFailed is returned when the script exited with a non-zero code.
var ErrScriptFailed = errors.New("script failed")

type Limits struct {
	Image       string
	MemoryMB    int64
	CPULimit    float64
	IdleTimeout time.Duration
}

// Sandbox runs scripts in one long-lived, locked-down container that is
// reused between runs and removed after being idle for Limits.IdleTimeout.
type Sandbox struct {
	cli       *client.Client
	limits    Limits
	networkID string

	mu         sync.Mutex
	activeID   string
	lastUsedAt time.Time
}

func NewSandbox(cli *client.Client, limits Limits) *Sandbox {
	return &Sandbox{cli: cli, limits: limits}
}

// EnsureNetwork creates or retrieves the sandbox network for container isolation.
// The network keeps external access; internal hosts are blocked with ExtraHosts
// and iptables inside the container.
func (s *Sandbox) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := s.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		logging.Log(fmt.Sprintf("failed to list networks: %v", err), slog.LevelError)
		return "", err
	}
	for _, n := range networks {
		if n.Name == sandboxNetworkName {
			s.networkID = n.ID
			return n.ID, nil
		}
	}

	resp, err := s.cli.NetworkCreate(ctx, sandboxNetworkName, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		logging.Log(fmt.Sprintf("failed to create sandbox network: %v", err), slog.LevelError)
		return "", err
	}
	s.networkID = resp.ID
	return resp.ID, nil
}

// PullImage makes sure the sandbox image is present locally.
func (s *Sandbox) PullImage(ctx context.Context) error {
	reader, err := s.cli.ImagePull(ctx, s.limits.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", s.limits.Image, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (s *Sandbox) getOrCreateContainer(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeID != "" {
		inspect, err := s.cli.ContainerInspect(ctx, s.activeID)
		if err == nil && inspect.State.Running {
			s.lastUsedAt = time.Now()
			// Erase whatever the previous script left behind.
			if _, err := s.runExec(ctx, s.activeID, "root", []string{"sh", "-c", `
				rm -f /script.py /payload.json
				find /tmp -mindepth 1 -delete 2>/dev/null || true
				find /var/tmp -mindepth 1 -delete 2>/dev/null || true
				find /home/sandboxuser -mindepth 1 -delete 2>/dev/null || true
			`}); err != nil {
				return "", fmt.Errorf("sanitize container: %w", err)
			}
			return s.activeID, nil
		}
		s.activeID = ""
	}

	resp, err := s.cli.ContainerCreate(ctx, &container.Config{
		Image: s.limits.Image,
		Cmd:   []string{"sleep", "infinity"},
		Tty:   false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:   s.limits.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(s.limits.CPULimit * math.Pow10(9)),
		},
		CapAdd: []string{"NET_ADMIN"},
		ExtraHosts: []string{
			"host.docker.internal:127.0.0.1",
			"gateway.docker.internal:127.0.0.1",
		},
	}, &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			sandboxNetworkName: {NetworkID: s.networkID},
		},
	}, nil, "")
	if err != nil {
		logging.Log(fmt.Sprintf("failed to create container: %v", err), slog.LevelError)
		return "", err
	}

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		s.remove(resp.ID)
		logging.Log(fmt.Sprintf("failed to start container: %v", err), slog.LevelError)
		return "", err
	}

	exitCode, err := s.runExec(ctx, resp.ID, "", []string{"sh", "-c", `
		apt-get update -qq && apt-get install -qq -y iptables > /dev/null 2>&1
		iptables -A OUTPUT -d 10.0.0.0/8 -j DROP 2>/dev/null || true
		iptables -A OUTPUT -d 172.16.0.0/12 -j DROP 2>/dev/null || true
		iptables -A OUTPUT -d 192.168.0.0/16 -j DROP 2>/dev/null || true
		iptables -A OUTPUT -d 169.254.0.0/16 -j DROP 2>/dev/null || true
		useradd -m -s /bin/bash sandboxuser 2>/dev/null || true
	`})
	if err != nil || exitCode != 0 {
		s.remove(resp.ID)
		logging.Log(fmt.Sprintf("setup exec failed (exit %d): %v", exitCode, err), slog.LevelError)
		if err == nil {
			err = fmt.Errorf("sandbox setup exited with %d", exitCode)
		}
		return "", err
	}

	s.activeID = resp.ID
	s.lastUsedAt = time.Now()
	logging.Log(fmt.Sprintf("New persistent container created: %s", shortID(s.activeID)), slog.LevelInfo)
	return s.activeID, nil
}

// runExec runs cmd to completion and returns its exit code.
func (s *Sandbox) runExec(ctx context.Context, id, user string, cmd []string) (int, error) {
	created, err := s.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		User:         user,
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("create exec: %w", err)
	}
	attached, err := s.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return -1, fmt.Errorf("attach exec: %w", err)
	}
	defer attached.Close()
	_, _ = io.Copy(io.Discard, attached.Reader)

	inspect, err := s.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return -1, fmt.Errorf("inspect exec: %w", err)
	}
	return inspect.ExitCode, nil
}

// Execute copies code and payload into the sandbox and runs the script as
// an unprivileged user. Stdout is returned even when the script fails.
func (s *Sandbox) Execute(ctx context.Context, code, payload string) (string, error) {
	containerID, err := s.getOrCreateContainer(ctx)
	if err != nil {
		return "", err
	}

	archive, err := scriptArchive(code, payload)
	if err != nil {
		return "", err
	}
	if err := s.cli.CopyToContainer(ctx, containerID, "/", archive, container.CopyToContainerOptions{}); err != nil {
		logging.Log(fmt.Sprintf("failed to copy to container: %v", err), slog.LevelError)
		return "", err
	}

	execResp, err := s.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		User:         "root", // chown first, then drop privileges
		AttachStdout: true,
		AttachStderr: true,
		Cmd: []string{"sh", "-c", `
			chown sandboxuser:sandboxuser /script.py /payload.json
			su sandboxuser -c "python /script.py /payload.json"
		`},
	})
	if err != nil {
		logging.Log(fmt.Sprintf("failed to create exec: %v", err), slog.LevelError)
		return "", err
	}

	resp, err := s.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		logging.Log(fmt.Sprintf("failed to attach to exec: %v", err), slog.LevelError)
		return "", err
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			logging.Log(fmt.Sprintf("error reading exec output: %v", err), slog.LevelError)
			return "", err
		}
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		logging.Log(fmt.Sprintf("failed to inspect exec: %v", err), slog.LevelError)
		return stdout.String(), err
	}
	if inspect.ExitCode != 0 {
		logging.Log(fmt.Sprintf("script execution error (exit %d): %s", inspect.ExitCode, stderr.String()), slog.LevelError)
		return stdout.String(), fmt.Errorf("%w: exit %d: %s", ErrScriptFailed, inspect.ExitCode, stderr.String())
	}

	s.mu.Lock()
	s.lastUsedAt = time.Now()
	s.mu.Unlock()
	return stdout.String(), nil
}

func scriptArchive(code, payload string) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	files := []struct {
		name string
		mode int64
		data []byte
	}{
		{"script.py", 0755, []byte(code)},
		{"payload.json", 0644, []byte(payload)},
	}
	for _, f := range files {
		if err := tw.WriteHeader(&tar.Header{Name: f.name, Mode: f.mode, Size: int64(len(f.data))}); err != nil {
			return nil, err
		}
		if _, err := tw.Write(f.data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		logging.Log(fmt.Sprintf("failed to close tar writer: %v", err), slog.LevelError)
		return nil, err
	}
	return &buf, nil
}

// RunReaper removes the container once it has been idle for longer than
// the configured timeout. It returns when ctx is done.
func (s *Sandbox) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.activeID != "" && time.Since(s.lastUsedAt) > s.limits.IdleTimeout {
				id := s.activeID
				s.activeID = ""
				s.mu.Unlock()
				logging.Log(fmt.Sprintf("Idle timeout reached for container %s. Removing...", shortID(id)), slog.LevelInfo)
				s.remove(id)
			} else {
				s.mu.Unlock()
			}
		}
	}
}

func (s *Sandbox) Cleanup(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeID != "" {
		logging.Log(fmt.Sprintf("Cleaning up active container %s...", shortID(s.activeID)), slog.LevelInfo)
		_ = s.cli.ContainerRemove(ctx, s.activeID, container.RemoveOptions{Force: true})
		s.activeID = ""
	}
}

func (s *Sandbox) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = s.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
