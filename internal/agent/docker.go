package agent

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// AppLabel is the container label naming the application a worker
// container belongs to.
const AppLabel = "fleet.app"

// DockerCounter counts running containers per application label.
type DockerCounter struct {
	cli *client.Client
}

// NewDockerCounter connects to the local docker daemon using the usual
// DOCKER_* environment variables.
func NewDockerCounter() (*DockerCounter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerCounter{cli: cli}, nil
}

func (d *DockerCounter) Running(ctx context.Context) (map[string]int64, error) {
	containers, err := d.cli.ContainerList(ctx, types.ContainerListOptions{
		Filters: filters.NewArgs(
			filters.Arg("label", AppLabel),
			filters.Arg("status", "running"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	return countByApp(containers), nil
}

func countByApp(containers []types.Container) map[string]int64 {
	counts := make(map[string]int64)
	for _, c := range containers {
		if c.State != "" && c.State != "running" {
			continue
		}
		if app := c.Labels[AppLabel]; app != "" {
			counts[app]++
		}
	}
	return counts
}

func (d *DockerCounter) Close() error {
	return d.cli.Close()
}
