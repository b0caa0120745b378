package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
)

// Docker runs the training step inside a short-lived container, adapted
// from the teacher's dispatch.DockerDispatcher: a per-invocation scratch
// directory is bind-mounted in, the container runs to completion, and the
// refreshed artifacts are read back from the same directory.
type Docker struct {
	cli   *client.Client
	image string
}

// NewDocker constructs a Docker trainer backend. image is the training
// container image, default "rbaioutliers-trainer:latest" if empty.
func NewDocker(image string) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("trainer: docker client: %w", err)
	}
	if image == "" {
		image = "rbaioutliers-trainer:latest"
	}
	return &Docker{cli: cli, image: image}, nil
}

type trainRequestFile struct {
	Model      string  `json:"model"`
	Epochs     int     `json:"epochs"`
	BatchSize  int     `json:"batch_size"`
	BackupPath string  `json:"backup_path"`
	Responses  []byte  `json:"responses"`
}

// Train writes req's artifacts and Druid responses into a scratch
// directory, runs the training container against it, and reads the
// refreshed artifacts back.
func (d *Docker) Train(ctx context.Context, req Request) (Result, error) {
	scratch, err := os.MkdirTemp("", fmt.Sprintf("outlierscoord-train-%s-", req.Model))
	if err != nil {
		return Result{}, fmt.Errorf("trainer: create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	if err := os.WriteFile(filepath.Join(scratch, "weights.in"), req.Weights, 0o644); err != nil {
		return Result{}, fmt.Errorf("trainer: write input weights: %w", err)
	}
	if err := os.WriteFile(filepath.Join(scratch, "config.in"), req.Config, 0o644); err != nil {
		return Result{}, fmt.Errorf("trainer: write input config: %w", err)
	}
	responsesJSON, err := json.Marshal(req.Responses)
	if err != nil {
		return Result{}, fmt.Errorf("trainer: marshal druid responses: %w", err)
	}
	reqFile := trainRequestFile{
		Model:      req.Model,
		Epochs:     req.Epochs,
		BatchSize:  req.BatchSize,
		BackupPath: req.BackupPath,
		Responses:  responsesJSON,
	}
	reqBytes, err := json.Marshal(reqFile)
	if err != nil {
		return Result{}, fmt.Errorf("trainer: marshal request: %w", err)
	}
	if err := os.WriteFile(filepath.Join(scratch, "request.json"), reqBytes, 0o644); err != nil {
		return Result{}, fmt.Errorf("trainer: write request: %w", err)
	}

	containerName := fmt.Sprintf("outlierscoord-train-%s-%d", req.Model, time.Now().UnixNano())
	cfg := &container.Config{
		Image:      d.image,
		Cmd:        []string{"/train.sh", "/scratch/request.json"},
		WorkingDir: "/scratch",
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: scratch, Target: "/scratch"},
		},
		AutoRemove: false,
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName)
	if err != nil {
		return Result{}, fmt.Errorf("trainer: create container: %w", err)
	}
	defer d.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("trainer: start container: %w", err)
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return Result{}, fmt.Errorf("trainer: wait container: %w", err)
		}
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return Result{}, fmt.Errorf("trainer: container exited with status %d", status.StatusCode)
		}
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	weights, err := os.ReadFile(filepath.Join(scratch, "weights.out"))
	if err != nil {
		return Result{}, fmt.Errorf("trainer: read output weights: %w", err)
	}
	config, err := os.ReadFile(filepath.Join(scratch, "config.out"))
	if err != nil {
		return Result{}, fmt.Errorf("trainer: read output config: %w", err)
	}
	return Result{Weights: weights, Config: config}, nil
}
