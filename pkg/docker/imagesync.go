package docker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/errdefs"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/log"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/metrics"
)

// TarballInfo describes one packaged environment tarball on shared storage.
type TarballInfo struct {
	Path    string
	ModTime time.Time
}

// NewestTarball scans the shared container directory for the freshest
// tarball matching "<name>-<unix_ts>.tar". Packaging owns the files; older
// versions are ignored, never deleted.
func NewestTarball(containerDir, name string) (*TarballInfo, error) {
	entries, err := os.ReadDir(containerDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", containerDir, err)
	}
	prefix := name + "-"
	var candidates []TarballInfo
	for _, entry := range entries {
		fn := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(fn, prefix) || !strings.HasSuffix(fn, ".tar") {
			continue
		}
		// The middle must be a pure timestamp; envA-gpu must not match envA.
		mid := strings.TrimSuffix(strings.TrimPrefix(fn, prefix), ".tar")
		if mid == "" || strings.ContainsFunc(mid, func(r rune) bool { return r < '0' || r > '9' }) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, TarballInfo{
			Path:    filepath.Join(containerDir, fn),
			ModTime: info.ModTime(),
		})
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ModTime.After(candidates[j].ModTime) })
	return &candidates[0], nil
}

// EnsureImage guarantees the local kohakuriver/<name>:base image is at
// least as fresh as the newest shared tarball, loading it when not. Loads
// are serialised: three tasks racing on the same cold image share one sync.
func (e *Engine) EnsureImage(ctx context.Context, name string) error {
	logger := log.WithComponent("imagesync")
	tag := ImageTag(name)

	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	local, err := e.localImageCreated(ctx, tag)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrImageSync, err)
	}
	newest, err := NewestTarball(e.containerDir, name)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrImageSync, err)
	}
	if newest == nil {
		if local.IsZero() {
			return fmt.Errorf("%w: no local image and no tarball for %s", errdefs.ErrImageSync, name)
		}
		logger.Debug().Str("image", tag).Msg("No shared tarball; using local image")
		return nil
	}
	if !local.IsZero() && !newest.ModTime.After(local) {
		logger.Debug().Str("image", tag).Msg("Image up-to-date")
		return nil
	}

	logger.Info().Str("image", tag).Str("tarball", newest.Path).Msg("Loading image from shared storage")
	timer := metrics.NewTimer()

	loadCtx, cancel := context.WithTimeout(ctx, e.syncTimeout)
	defer cancel()

	f, err := os.Open(newest.Path)
	if err != nil {
		metrics.ImageSyncsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: open tarball: %v", errdefs.ErrImageSync, err)
	}
	defer f.Close()

	resp, err := e.cli.ImageLoad(loadCtx, f, true)
	if err != nil {
		metrics.ImageSyncsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: docker load %s: %v", errdefs.ErrImageSync, filepath.Base(newest.Path), err)
	}
	defer resp.Body.Close()
	// Drain so the daemon finishes the load before we return.
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		metrics.ImageSyncsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: reading load response: %v", errdefs.ErrImageSync, err)
	}

	timer.ObserveDuration(metrics.ImageSyncDuration)
	metrics.ImageSyncsTotal.WithLabelValues("loaded").Inc()
	logger.Info().Str("image", tag).Msg("Image loaded")
	return nil
}
