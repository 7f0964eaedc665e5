package image

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// Builder is the external image-builder capability. The real implementation
// shells out to buildah (and skopeo when present); tests use an in-memory fake
// so the Manager can be exercised without a containers stack on the host.
type Builder interface {
	// Available reports whether the builder can be invoked at all.
	Available() bool

	// From creates a working container from a base image and returns its name.
	From(ctx context.Context, baseRef string) (string, error)

	// Run executes a shell script as root inside the working container.
	Run(ctx context.Context, container, script string) error

	// Commit publishes the working container as a named image in local storage.
	Commit(ctx context.Context, container, imageName string) error

	// Remove discards a working container. Idempotent.
	Remove(ctx context.Context, container string) error

	// ListImages returns the name:tag of every image in local storage.
	ListImages(ctx context.Context) ([]string, error)

	// RemoveImage untags an image from local storage. Idempotent.
	RemoveImage(ctx context.Context, imageName string) error

	// CopyToStorage copies an image from any transport (docker://, oci:, ...)
	// into local containers-storage under destName.
	CopyToStorage(ctx context.Context, srcRef, destName string) error
}

// BuildahBuilder drives buildah through `buildah unshare`, which maps the user
// namespace so rootless storage operations work.
type BuildahBuilder struct {
	skopeo bool
}

func NewBuildahBuilder() *BuildahBuilder {
	_, err := exec.LookPath("skopeo")
	return &BuildahBuilder{skopeo: err == nil}
}

func (b *BuildahBuilder) Available() bool {
	_, err := exec.LookPath("buildah")
	return err == nil
}

func (b *BuildahBuilder) From(ctx context.Context, baseRef string) (string, error) {
	out, err := b.unshare(ctx, fmt.Sprintf("buildah from %s", shellQuote(baseRef)))
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(out)
	if name == "" {
		return "", fmt.Errorf("buildah from returned empty container name")
	}
	return name, nil
}

func (b *BuildahBuilder) Run(ctx context.Context, container, script string) error {
	_, err := b.unshare(ctx, fmt.Sprintf("buildah run --user root %s -- sh -lc %s",
		shellQuote(container), shellQuote(script)))
	return err
}

func (b *BuildahBuilder) Commit(ctx context.Context, container, imageName string) error {
	_, err := b.unshare(ctx, fmt.Sprintf("buildah commit %s %s",
		shellQuote(container), shellQuote(imageName)))
	return err
}

func (b *BuildahBuilder) Remove(ctx context.Context, container string) error {
	_, err := b.unshare(ctx, fmt.Sprintf("buildah rm %s", shellQuote(container)))
	return err
}

func (b *BuildahBuilder) ListImages(ctx context.Context) ([]string, error) {
	out, err := b.unshare(ctx, "buildah images --format '{{.Name}}:{{.Tag}}'")
	if err != nil {
		return nil, err
	}
	var images []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			images = append(images, line)
		}
	}
	return images, nil
}

func (b *BuildahBuilder) RemoveImage(ctx context.Context, imageName string) error {
	// rmi fails if the image is gone already; callers treat removal as idempotent.
	out, err := b.unshare(ctx, fmt.Sprintf("buildah rmi %s", shellQuote(imageName)))
	if err != nil && !strings.Contains(out, "image not known") {
		return err
	}
	return nil
}

func (b *BuildahBuilder) CopyToStorage(ctx context.Context, srcRef, destName string) error {
	if b.skopeo {
		_, err := b.unshare(ctx, fmt.Sprintf("skopeo copy --insecure-policy %s %s",
			shellQuote(srcRef), shellQuote("containers-storage:"+destName)))
		if err == nil {
			return nil
		}
		log.Warn().Err(err).Str("src", srcRef).Msg("skopeo copy failed, falling back to buildah")
	}

	ctr, err := b.From(ctx, srcRef)
	if err != nil {
		return err
	}
	defer func() { _ = b.Remove(context.WithoutCancel(ctx), ctr) }()
	return b.Commit(ctx, ctr, destName)
}

// unshare runs a shell command under buildah unshare, returning combined stdout.
func (b *BuildahBuilder) unshare(ctx context.Context, script string) (string, error) {
	log.Debug().Str("cmd", script).Msg("buildah unshare")

	cmd := exec.CommandContext(ctx, "buildah", "unshare", "sh", "-c", script) // #nosec G204 -- script assembled internally, args shell-quoted
	out, err := cmd.Output()
	if err != nil {
		var stderr string
		if exitErr, ok := err.(*exec.ExitError); ok {
			stderr = strings.TrimSpace(string(exitErr.Stderr))
		}
		if stderr != "" {
			return string(out), fmt.Errorf("%s: %s", firstWord(script), stderr)
		}
		return string(out), fmt.Errorf("%s: %w", firstWord(script), err)
	}
	return string(out), nil
}

func firstWord(s string) string {
	if i := strings.IndexAny(s, " \t"); i > 0 {
		return s[:i]
	}
	return s
}

// shellQuote quotes s for safe interpolation into an sh -c string. Plain
// reference/path characters pass through unquoted.
func shellQuote(s string) string {
	safe := true
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
			strings.ContainsRune("/-_.:@+=,", c)) {
			safe = false
			break
		}
	}
	if safe && s != "" {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
