package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// DockerBackend runs sandboxes as containers via the docker CLI.
type DockerBackend struct {
	// Image is the sandbox base image.
	Image string
}

// NewDockerBackend creates a DockerBackend for the given image.
func NewDockerBackend(image string) *DockerBackend {
	if image == "" {
		image = "turntable/sandbox:latest"
	}
	return &DockerBackend{Image: image}
}

func (d *DockerBackend) Create(ctx context.Context, labels map[string]string) (string, error) {
	args := []string{"run", "-d"}
	// Stable arg order keeps command logs diffable.
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+labels[k])
	}
	args = append(args, d.Image, "sleep", "infinity")

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("sandbox: docker run: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (d *DockerBackend) Inspect(ctx context.Context, resourceID string) (bool, error) {
	out, err := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.Running}}", resourceID).CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "No such") {
			return false, nil
		}
		return false, fmt.Errorf("sandbox: docker inspect %s: %s: %w", resourceID, strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)) == "true", nil
}

func (d *DockerBackend) Destroy(ctx context.Context, resourceID string) error {
	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", resourceID).CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "No such") {
			return nil
		}
		return fmt.Errorf("sandbox: docker rm %s: %s: %w", resourceID, strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (d *DockerBackend) Exec(ctx context.Context, resourceID string, cmd []string) (string, error) {
	args := append([]string{"exec", resourceID}, cmd...)
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("sandbox: docker exec %s: %s: %w", resourceID, strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

func (d *DockerBackend) List(ctx context.Context, filter map[string]string) ([]Resource, error) {
	args := []string{"ps", "-a", "--no-trunc", "--format", "{{.ID}}\t{{.Labels}}\t{{.CreatedAt}}"}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--filter", "label="+k+"="+filter[k])
	}

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker ps: %s: %w", strings.TrimSpace(string(out)), err)
	}

	var resources []Resource
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) < 2 {
			continue
		}
		res := Resource{ID: parts[0], Labels: parseLabels(parts[1])}
		if len(parts) == 3 {
			// docker's CreatedAt format: "2026-08-23 10:11:12 +0000 UTC"
			if ts, err := time.Parse("2006-01-02 15:04:05 -0700 MST", parts[2]); err == nil {
				res.CreatedAt = ts
			}
		}
		resources = append(resources, res)
	}
	return resources, nil
}

// parseLabels parses docker's "k1=v1,k2=v2" label format.
func parseLabels(s string) map[string]string {
	labels := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		if k, v, ok := strings.Cut(pair, "="); ok {
			labels[k] = v
		}
	}
	return labels
}

var _ Backend = (*DockerBackend)(nil)
