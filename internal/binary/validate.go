package binary

import (
	"context"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/shannonlabs/shannon-mcp/internal/common/errs"
)

var versionPattern = regexp.MustCompile(`\d+\.\d+\.\d+(?:[-+][0-9A-Za-z.\-]+)?`)

// validate probes a candidate with `--version`, parses the reported version,
// and checks it against the configured constraint.
func (r *Resolver) validate(ctx context.Context, path, method string) (*Ref, error) {
	timeout := r.cfg.VersionTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(probeCtx, path, "--version").CombinedOutput()
	if err != nil {
		return nil, errs.Wrap(errs.KindBinaryUnavailable, "version probe failed", err).
			WithDetails(map[string]any{"path": path, "output": strings.TrimSpace(string(out))})
	}

	version, err := parseVersion(string(out))
	if err != nil {
		return nil, err
	}

	if r.cfg.VersionConstraint != "" {
		constraint, err := semver.NewConstraint(r.cfg.VersionConstraint)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "invalid version constraint", err)
		}
		v, err := semver.NewVersion(version)
		if err != nil {
			return nil, errs.Wrap(errs.KindBinaryUnavailable, "unparseable version", err)
		}
		if !constraint.Check(v) {
			return nil, errs.Newf(errs.KindBinaryUnavailable,
				"version %s does not satisfy constraint %s", version, r.cfg.VersionConstraint)
		}
	}

	return &Ref{
		Path:       path,
		Version:    version,
		Method:     method,
		ResolvedAt: time.Now().UTC(),
	}, nil
}

// parseVersion extracts a semver-looking version from probe output such as
// "1.2.3 (Claude Code)" or "claude-code/1.2.3".
func parseVersion(output string) (string, error) {
	match := versionPattern.FindString(output)
	if match == "" {
		return "", errs.Newf(errs.KindBinaryUnavailable,
			"no version found in probe output %q", strings.TrimSpace(output))
	}
	return match, nil
}
