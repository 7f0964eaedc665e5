package image

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"microvm-sandbox/internal/config"
)

// Manager resolves image references and owns the derived-image cache. All other
// components receive image identifiers by value; nobody else touches the cache
// directory.
type Manager struct {
	cfg     config.ImageConfig
	builder Builder
	cache   *cacheStore

	mu       sync.Mutex
	tagLocks map[string]*sync.Mutex

	prepMu  sync.Mutex
	prepErr error
}

func NewManager(cfg config.ImageConfig, builder Builder) *Manager {
	return &Manager{
		cfg:      cfg,
		builder:  builder,
		cache:    newCacheStore(cfg.CacheDir),
		tagLocks: make(map[string]*sync.Mutex),
	}
}

// Resolve returns the explicit reference if given and syntactically valid,
// otherwise the configured default image. The returned string is immutable for
// the rest of the execution.
func (m *Manager) Resolve(ref string) (string, error) {
	if ref == "" {
		return m.cfg.DefaultImage, nil
	}
	return validateRef(ref)
}

// validateRef accepts docker://, containers-storage:, oci:, dir:, oci-archive:
// transports and bare registry names. Path-backed transports must point at an
// existing location.
func validateRef(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "docker://"):
		if ref == "docker://" {
			return "", fmt.Errorf("%w: empty docker reference", ErrInvalidReference)
		}
		return ref, nil

	case strings.HasPrefix(ref, "containers-storage:"):
		if ref == "containers-storage:" {
			return "", fmt.Errorf("%w: empty storage reference", ErrInvalidReference)
		}
		return ref, nil

	case strings.HasPrefix(ref, "oci:"):
		return validateOCIRef(ref)

	case strings.HasPrefix(ref, "dir:"), strings.HasPrefix(ref, "oci-archive:"):
		path := ref[strings.Index(ref, ":")+1:]
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%w: path does not exist: %s", ErrInvalidReference, path)
		}
		return ref, nil

	default:
		if strings.ContainsAny(ref, " \t\n") {
			return "", fmt.Errorf("%w: %q", ErrInvalidReference, ref)
		}
		// Bare name, assumed registry-resolvable.
		return ref, nil
	}
}

// validateOCIRef checks oci:<path>[:tag] points at a plausible OCI layout.
func validateOCIRef(ref string) (string, error) {
	rest := strings.TrimPrefix(ref, "oci:")
	path := rest
	if i := strings.LastIndex(rest, ":"); i > 0 {
		path = rest[:i]
	}
	if path == "" {
		return "", fmt.Errorf("%w: expected oci:<path>[:tag]", ErrInvalidReference)
	}
	for _, required := range []string{"oci-layout", "index.json", filepath.Join("blobs", "sha256")} {
		if _, err := os.Stat(filepath.Join(path, required)); err != nil {
			return "", fmt.Errorf("%w: %s is not an OCI layout (missing %s)", ErrInvalidReference, path, required)
		}
	}
	return ref, nil
}

// Prepare makes an image locally available, pulling or importing as needed.
// Ordinary pull/build failures are reported through the boolean so callers can
// degrade gracefully; the error detail is retrievable via LastPrepareError.
func (m *Manager) Prepare(ctx context.Context, ref string) bool {
	resolved, err := m.Resolve(ref)
	if err != nil {
		m.setPrepareError(err)
		return false
	}

	// Storage-local references are ready by definition.
	if strings.HasPrefix(resolved, "containers-storage:") {
		m.setPrepareError(nil)
		return true
	}

	if !m.builder.Available() {
		m.setPrepareError(ErrBuilderUnavailable)
		return false
	}

	dest := m.localName("prepared-" + shortDigest(resolved))
	if err := m.builder.CopyToStorage(ctx, pullSource(resolved), dest); err != nil {
		log.Warn().Err(err).Str("ref", resolved).Msg("image preparation failed")
		m.setPrepareError(fmt.Errorf("preparing %s: %w", resolved, err))
		return false
	}

	log.Info().Str("ref", resolved).Str("local", dest).Msg("image prepared")
	m.setPrepareError(nil)
	return true
}

// LastPrepareError returns the detail behind the most recent Prepare false.
func (m *Manager) LastPrepareError() error {
	m.prepMu.Lock()
	defer m.prepMu.Unlock()
	return m.prepErr
}

func (m *Manager) setPrepareError(err error) {
	m.prepMu.Lock()
	m.prepErr = err
	m.prepMu.Unlock()
}

// PipPrepareImage builds a derived image layering the given pip packages atop
// the default base image, commits it under tag, and records a cache entry. The
// returned reference is stable and reusable as the image of later executions.
func (m *Manager) PipPrepareImage(ctx context.Context, packages []string, tag string) (string, error) {
	if len(packages) == 0 {
		return "", ErrEmptyPackages
	}
	for _, p := range packages {
		if strings.TrimSpace(p) == "" {
			return "", fmt.Errorf("%w: blank package name", ErrEmptyPackages)
		}
	}

	if tag == "" {
		tag = defaultPipTag(packages)
	} else if !validTag(tag) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}

	// Serialize builds per tag; concurrent builds of distinct tags proceed.
	lock := m.tagLock(tag)
	lock.Lock()
	defer lock.Unlock()

	if entry, ok := m.cache.get(tag); ok && samePackages(entry.Packages, packages) {
		log.Info().Str("tag", tag).Msg("derived image already cached")
		return entry.StorageRef, nil
	}

	if !m.builder.Available() {
		return "", &BuildError{Op: "pip_prepare_image", Err: ErrBuildFailed, Detail: ErrBuilderUnavailable.Error()}
	}

	start := time.Now()
	imageName := m.localName(tag)

	ctr, err := m.builder.From(ctx, m.cfg.DefaultImage)
	if err != nil {
		return "", buildErr("buildah from", err.Error())
	}
	// The working container is always discarded: a partial layer must never
	// survive as a bootable image.
	defer func() {
		if rmErr := m.builder.Remove(context.WithoutCancel(ctx), ctr); rmErr != nil {
			log.Warn().Err(rmErr).Str("container", ctr).Msg("working container cleanup failed")
		}
	}()

	if err := m.builder.Run(ctx, ctr, ensurePipScript); err != nil {
		return "", buildErr("ensure pip", err.Error())
	}
	if err := m.builder.Run(ctx, ctr, m.pipInstallScript(packages)); err != nil {
		return "", buildErr("pip install", err.Error())
	}
	if err := m.builder.Commit(ctx, ctr, imageName); err != nil {
		return "", buildErr("buildah commit", err.Error())
	}

	storageRef := "containers-storage:" + imageName
	entry := CacheEntry{
		Tag:        tag,
		CreatedAt:  time.Now().UTC(),
		StorageRef: storageRef,
		Packages:   normalizePackages(packages),
		BaseImage:  m.cfg.DefaultImage,
	}
	if err := m.cache.publish(entry); err != nil {
		// The image exists in storage; a lost entry only costs a rebuild later.
		log.Warn().Err(err).Str("tag", tag).Msg("cache entry publish failed")
	}

	log.Info().
		Str("tag", tag).
		Strs("packages", packages).
		Dur("build_time", time.Since(start)).
		Msg("derived image built")

	return storageRef, nil
}

// ListCached enumerates derived images. An empty cache yields an empty slice.
func (m *Manager) ListCached() ([]CacheEntry, error) {
	return m.cache.list()
}

// ClearCache removes all cached derived images and their storage tags.
// Idempotent: clearing an empty cache succeeds.
func (m *Manager) ClearCache(ctx context.Context) (bool, error) {
	entries, err := m.cache.clear()
	if err != nil {
		return false, err
	}

	for _, entry := range entries {
		name := strings.TrimPrefix(entry.StorageRef, "containers-storage:")
		if err := m.builder.RemoveImage(ctx, name); err != nil {
			log.Warn().Err(err).Str("image", name).Msg("failed to untag cached image")
		}
	}

	log.Info().Int("entries", len(entries)).Msg("image cache cleared")
	return true, nil
}

// NormalizeForLauncher converts a resolved reference into the form the VM
// launcher accepts: a storage-local or registry name without transport prefix.
// Path-backed transports are imported into local storage first.
func (m *Manager) NormalizeForLauncher(ctx context.Context, resolved string) (string, error) {
	switch {
	case strings.HasPrefix(resolved, "containers-storage:"):
		return strings.TrimPrefix(resolved, "containers-storage:"), nil

	case strings.HasPrefix(resolved, "docker://"):
		return strings.TrimPrefix(resolved, "docker://"), nil

	case strings.HasPrefix(resolved, "oci:"),
		strings.HasPrefix(resolved, "dir:"),
		strings.HasPrefix(resolved, "oci-archive:"):
		dest := m.localName("imported-" + uuid.NewString()[:8])
		if err := m.builder.CopyToStorage(ctx, resolved, dest); err != nil {
			return "", fmt.Errorf("importing %s: %w", resolved, err)
		}
		return dest, nil

	default:
		return resolved, nil
	}
}

func (m *Manager) tagLock(tag string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.tagLocks[tag]
	if !ok {
		l = &sync.Mutex{}
		m.tagLocks[tag] = l
	}
	return l
}

func (m *Manager) localName(tag string) string {
	return m.cfg.Repository + ":" + tag
}

// ensurePipScript makes python3/pip usable in base images that ship without
// them wired up. Best effort; the install step reports the real failure.
const ensurePipScript = `command -v python3 >/dev/null 2>&1 || true; ` +
	`command -v pip3 >/dev/null 2>&1 || python3 -m ensurepip --upgrade >/dev/null 2>&1 || true; ` +
	`[ -x /usr/bin/python3 ] || ln -sf $(command -v python3) /usr/bin/python3 || true`

func (m *Manager) pipInstallScript(packages []string) string {
	var b strings.Builder
	b.WriteString("env PIP_CONFIG_FILE=/dev/null PIP_ROOT_USER_ACTION=ignore ")
	b.WriteString("python3 -m pip install --no-cache-dir --no-user --disable-pip-version-check --break-system-packages")
	if m.cfg.PipIndexURL != "" {
		b.WriteString(" --index-url " + shellQuote(m.cfg.PipIndexURL))
	}
	for _, p := range packages {
		b.WriteString(" " + shellQuote(p))
	}
	return b.String()
}

// defaultPipTag derives a deterministic tag from the package set so the same
// packages land on the same tag regardless of argument order.
func defaultPipTag(packages []string) string {
	h := sha256.New()
	for _, p := range normalizePackages(packages) {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("pip-%x", h.Sum(nil)[:8])
}

// validTag enforces the OCI tag grammar. Tags become storage references and
// cache file names, so anything outside the grammar (separators, "..") must be
// rejected before it reaches buildah or the cache dir.
func validTag(tag string) bool {
	if len(tag) > 128 {
		return false
	}
	for i, c := range tag {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		case c == '.' || c == '-':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func normalizePackages(packages []string) []string {
	out := make([]string, len(packages))
	copy(out, packages)
	sort.Strings(out)
	return out
}

func samePackages(a, b []string) bool {
	na, nb := normalizePackages(a), normalizePackages(b)
	if len(na) != len(nb) {
		return false
	}
	for i := range na {
		if na[i] != nb[i] {
			return false
		}
	}
	return true
}

func shortDigest(s string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(s)))[:12]
}

// pullSource maps a resolved reference to the transport skopeo/buildah pull from.
func pullSource(resolved string) string {
	if strings.HasPrefix(resolved, "docker://") ||
		strings.HasPrefix(resolved, "oci:") ||
		strings.HasPrefix(resolved, "dir:") ||
		strings.HasPrefix(resolved, "oci-archive:") {
		return resolved
	}
	return "docker://" + resolved
}
