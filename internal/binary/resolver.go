// Package binary locates and validates the Claude Code CLI executable.
//
// Resolution tries, in order: a PATH lookup for each candidate name, a scan
// of well-known install roots plus configured extras, and finally the most
// recent valid entry from the persistent discovery log. Successful results
// are cached with a TTL.
package binary

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shannonlabs/shannon-mcp/internal/common/config"
	"github.com/shannonlabs/shannon-mcp/internal/common/errs"
	"github.com/shannonlabs/shannon-mcp/internal/common/logger"
)

// Ref is a validated reference to a resolved CLI executable.
type Ref struct {
	Path       string    `json:"path"`
	Version    string    `json:"version"`
	Method     string    `json:"method"` // which, scan, discovery_log
	ResolvedAt time.Time `json:"resolved_at"`
}

// Resolver finds and validates CLI binaries, caching results with a TTL.
type Resolver struct {
	cfg    config.BinaryConfig
	log    *DiscoveryLog
	logger *logger.Logger

	mu       sync.Mutex
	cached   *Ref
	cachedAt time.Time
}

// NewResolver creates a Resolver. The discovery log may be nil in tests.
func NewResolver(cfg config.BinaryConfig, discoveryLog *DiscoveryLog, log *logger.Logger) *Resolver {
	return &Resolver{
		cfg:    cfg,
		log:    discoveryLog,
		logger: log.WithFields(zap.String("component", "binary-resolver")),
	}
}

// Resolve returns a validated binary reference, running the strategy chain
// when the cache is expired or forceRefresh is set.
func (r *Resolver) Resolve(ctx context.Context, forceRefresh bool) (*Ref, error) {
	r.mu.Lock()
	if !forceRefresh && r.cached != nil && time.Since(r.cachedAt) < r.cfg.CacheTTL {
		ref := r.cached
		r.mu.Unlock()
		return ref, nil
	}
	r.mu.Unlock()

	strategies := []struct {
		method string
		run    func(context.Context) (*Ref, error)
	}{
		{"which", r.resolveWhich},
		{"scan", r.resolveScan},
		{"discovery_log", r.resolveFromLog},
	}

	var lastErr error
	for _, s := range strategies {
		start := time.Now()
		ref, err := s.run(ctx)
		r.record(ctx, s.method, ref, time.Since(start), err)
		if err != nil {
			lastErr = err
			continue
		}
		r.mu.Lock()
		r.cached = ref
		r.cachedAt = time.Now()
		r.mu.Unlock()
		r.logger.Info("resolved CLI binary",
			zap.String("path", ref.Path),
			zap.String("version", ref.Version),
			zap.String("method", ref.Method))
		return ref, nil
	}

	return nil, errs.Wrap(errs.KindBinaryUnavailable,
		"no valid CLI binary found after all resolution strategies", lastErr).
		WithDetails(map[string]any{
			"candidates": r.cfg.Names,
			"hint":       "install the Claude Code CLI or set binary.searchRoots",
		})
}

// resolveWhich runs a PATH lookup for each candidate name.
func (r *Resolver) resolveWhich(ctx context.Context) (*Ref, error) {
	for _, name := range r.cfg.Names {
		path, err := exec.LookPath(name)
		if err != nil {
			continue
		}
		ref, err := r.validate(ctx, path, "which")
		if err != nil {
			r.logger.Debug("candidate failed validation",
				zap.String("path", path), zap.Error(err))
			continue
		}
		return ref, nil
	}
	return nil, errs.New(errs.KindBinaryUnavailable, "no candidate found on PATH")
}

// resolveScan checks well-known install roots, configured extras, and every
// PATH entry directly (catching roots present in the environment but shadowed).
func (r *Resolver) resolveScan(ctx context.Context) (*Ref, error) {
	roots := wellKnownRoots()
	roots = append(roots, r.cfg.SearchRoots...)
	roots = append(roots, filepath.SplitList(os.Getenv("PATH"))...)

	for _, root := range roots {
		if root == "" {
			continue
		}
		for _, name := range r.cfg.Names {
			candidate := filepath.Join(expandHome(root), name)
			if runtime.GOOS == "windows" {
				candidate += ".exe"
			}
			if !isExecutable(candidate) {
				continue
			}
			ref, err := r.validate(ctx, candidate, "scan")
			if err != nil {
				continue
			}
			return ref, nil
		}
	}
	return nil, errs.New(errs.KindBinaryUnavailable, "no candidate found in install roots")
}

// resolveFromLog replays the most recent successful discovery, provided the
// path still exists and revalidates.
func (r *Resolver) resolveFromLog(ctx context.Context) (*Ref, error) {
	if r.log == nil {
		return nil, errs.New(errs.KindBinaryUnavailable, "no discovery log available")
	}
	path, err := r.log.LastSuccessfulPath(ctx)
	if err != nil || path == "" {
		return nil, errs.Wrap(errs.KindBinaryUnavailable, "no prior discovery", err)
	}
	if !isExecutable(path) {
		return nil, errs.Newf(errs.KindBinaryUnavailable, "logged path %s no longer executable", path)
	}
	return r.validate(ctx, path, "discovery_log")
}

func (r *Resolver) record(ctx context.Context, method string, ref *Ref, d time.Duration, err error) {
	if r.log == nil {
		return
	}
	entry := DiscoveryEntry{
		Method:   method,
		Duration: d,
		Success:  err == nil,
	}
	if ref != nil {
		entry.Path = ref.Path
		entry.Version = ref.Version
	}
	if err != nil {
		entry.Detail = err.Error()
	}
	if logErr := r.log.Append(ctx, entry); logErr != nil {
		r.logger.Warn("failed to append discovery log entry", zap.Error(logErr))
	}
}

// wellKnownRoots returns the per-platform default install directories.
func wellKnownRoots() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{
			"/usr/local/bin",
			"/opt/homebrew/bin",
			"~/.local/bin",
			"~/.npm-global/bin",
		}
	case "windows":
		return []string{
			filepath.Join(os.Getenv("LOCALAPPDATA"), "Programs", "claude"),
			filepath.Join(os.Getenv("APPDATA"), "npm"),
		}
	default:
		return []string{
			"/usr/local/bin",
			"/usr/bin",
			"~/.local/bin",
			"~/.npm-global/bin",
			"/opt/claude/bin",
		}
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode()&0o111 != 0
}
