package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shannonlabs/shannon-mcp/internal/common/config"
	"github.com/shannonlabs/shannon-mcp/internal/events"
)

// Constraints parameterize a validation run. The zero value of a limit
// disables that check.
type Constraints struct {
	Limits   config.ResourceLimits
	Security config.SecurityPolicy
}

// DefaultConstraints builds constraints from the registry configuration.
func (r *Registry) DefaultConstraints() Constraints {
	return Constraints{Limits: r.cfg.Limits, Security: r.cfg.Security}
}

// Validate runs the integrity, resource, security, and lifecycle check
// categories against a record, persists the result, and emits a violation
// event when any check fails.
func (r *Registry) Validate(ctx context.Context, processID string, c Constraints) (*ValidationResult, error) {
	r.mu.RLock()
	rec, ok := r.live[processID]
	r.mu.RUnlock()
	if !ok {
		var err error
		rec, err = r.store.Get(ctx, processID)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, fmt.Errorf("unknown process id %s", processID)
		}
	}

	result := &ValidationResult{
		RecordID:  rec.ID,
		PID:       rec.PID,
		Passed:    true,
		CheckedAt: time.Now().UTC(),
	}

	info, infoErr := r.inspector.Info(rec.PID)
	result.add(CheckResult{
		Category: CategoryIntegrity, Name: "process_exists",
		Passed: infoErr == nil,
		Detail: detailOnErr(infoErr),
	})

	if infoErr == nil {
		r.checkIntegrity(rec, info, result)
		r.checkSecurity(info, c.Security, result)
		r.checkLifecycle(rec, info, result)

		if metrics, err := r.inspector.Metrics(rec.PID); err == nil {
			r.checkResources(rec, metrics, c.Limits, result)
		}
	}

	if err := r.store.InsertValidation(ctx, result); err != nil {
		return nil, err
	}
	r.audit(ctx, AuditEvent{PID: rec.PID, Kind: AuditValidated, RecordID: rec.ID,
		Detail: map[string]any{"passed": result.Passed, "checks": len(result.Checks)}})

	if !result.Passed {
		failures := result.Failures()
		names := make([]string, len(failures))
		for i, f := range failures {
			names[i] = string(f.Category) + "/" + f.Name
		}
		r.publish(ctx, events.ProcessViolation, rec.ID, map[string]any{
			"pid": rec.PID, "failed_checks": names,
		})
		r.logger.Warn("process validation failed",
			zap.Int32("pid", rec.PID),
			zap.String("record_id", rec.ID),
			zap.Strings("failed_checks", names))
	}

	return result, nil
}

func (r *Registry) checkIntegrity(rec *Record, info *ProcessInfo, result *ValidationResult) {
	result.add(CheckResult{
		Category: CategoryIntegrity, Name: "create_time_unchanged",
		Passed: info.CreateTime.Equal(rec.CreateTime),
		Detail: fmt.Sprintf("registered=%s observed=%s", rec.CreateTime, info.CreateTime),
	})
	// Exec-in-place is possible but suspicious, so these warn rather than fail.
	if rec.CommandLine != "" && info.CommandLine != rec.CommandLine {
		result.add(CheckResult{
			Category: CategoryIntegrity, Name: "command_line_unchanged",
			Passed: true, Warning: true,
			Detail: "command line differs from registration",
		})
	}
	if rec.Executable != "" && info.Executable != "" && info.Executable != rec.Executable {
		result.add(CheckResult{
			Category: CategoryIntegrity, Name: "executable_unchanged",
			Passed: true, Warning: true,
			Detail: "executable path differs from registration",
		})
	}
	if info.ParentPID > 0 {
		result.add(CheckResult{
			Category: CategoryIntegrity, Name: "parent_exists",
			Passed: r.inspector.Exists(info.ParentPID),
			Detail: fmt.Sprintf("parent pid %d", info.ParentPID),
		})
	}
}

func (r *Registry) checkResources(rec *Record, m ResourceMetrics, limits config.ResourceLimits, result *ValidationResult) {
	if limits.MaxRSSBytes > 0 {
		result.add(CheckResult{
			Category: CategoryResource, Name: "rss_within_limit",
			Passed: m.RSSBytes <= limits.MaxRSSBytes,
			Detail: fmt.Sprintf("rss=%d limit=%d", m.RSSBytes, limits.MaxRSSBytes),
		})
	}
	if limits.MaxCPUPercent > 0 {
		result.add(CheckResult{
			Category: CategoryResource, Name: "cpu_within_limit",
			Passed: m.CPUPercent <= limits.MaxCPUPercent,
			Detail: fmt.Sprintf("cpu=%.1f%% limit=%.1f%%", m.CPUPercent, limits.MaxCPUPercent),
		})
	}
	if limits.MaxOpenFiles > 0 {
		result.add(CheckResult{
			Category: CategoryResource, Name: "fds_within_limit",
			Passed: m.NumFDs <= limits.MaxOpenFiles,
			Detail: fmt.Sprintf("fds=%d limit=%d", m.NumFDs, limits.MaxOpenFiles),
		})
	}
	if limits.MaxConnections > 0 {
		result.add(CheckResult{
			Category: CategoryResource, Name: "connections_within_limit",
			Passed: m.NumConnections <= limits.MaxConnections,
			Detail: fmt.Sprintf("connections=%d limit=%d", m.NumConnections, limits.MaxConnections),
		})
	}
	if limits.MaxChildren > 0 {
		result.add(CheckResult{
			Category: CategoryResource, Name: "children_within_limit",
			Passed: m.NumChildren <= limits.MaxChildren,
			Detail: fmt.Sprintf("children=%d limit=%d", m.NumChildren, limits.MaxChildren),
		})
	}
	if limits.MaxUptime > 0 {
		uptime := time.Since(rec.CreateTime)
		result.add(CheckResult{
			Category: CategoryResource, Name: "uptime_within_limit",
			Passed: uptime <= limits.MaxUptime,
			Detail: fmt.Sprintf("uptime=%s limit=%s", uptime.Round(time.Second), limits.MaxUptime),
		})
	}
}

func (r *Registry) checkSecurity(info *ProcessInfo, policy config.SecurityPolicy, result *ValidationResult) {
	if len(policy.AllowedUsers) > 0 {
		result.add(CheckResult{
			Category: CategorySecurity, Name: "user_on_allow_list",
			Passed: containsString(policy.AllowedUsers, info.Username),
			Detail: fmt.Sprintf("user=%s", info.Username),
		})
	}
	if len(policy.PermittedRoots) > 0 && info.Cwd != "" {
		result.add(CheckResult{
			Category: CategorySecurity, Name: "cwd_under_permitted_root",
			Passed: underAnyRoot(policy.PermittedRoots, info.Cwd),
			Detail: fmt.Sprintf("cwd=%s", info.Cwd),
		})
	}
	if len(policy.BlockedExecutables) > 0 && info.Executable != "" {
		result.add(CheckResult{
			Category: CategorySecurity, Name: "executable_not_blocked",
			Passed: !containsString(policy.BlockedExecutables, info.Executable),
			Detail: fmt.Sprintf("executable=%s", info.Executable),
		})
	}
	for _, flagged := range policy.FlaggedEnvVars {
		for _, env := range info.Environ {
			if strings.HasPrefix(env, flagged+"=") {
				result.add(CheckResult{
					Category: CategorySecurity, Name: "flagged_env_absent",
					Passed: false,
					Detail: fmt.Sprintf("flagged variable %s present", flagged),
				})
			}
		}
	}
}

func (r *Registry) checkLifecycle(rec *Record, info *ProcessInfo, result *ValidationResult) {
	result.add(CheckResult{
		Category: CategoryLifecycle, Name: "not_zombie",
		Passed: !info.IsZombie(),
	})
	result.add(CheckResult{
		Category: CategoryLifecycle, Name: "phase_consistent",
		Passed: !rec.Status.Terminal(),
		Detail: fmt.Sprintf("registry phase %s", rec.Status),
	})
	if rec.ParentPID > 1 && info.ParentPID == 1 {
		result.add(CheckResult{
			Category: CategoryLifecycle, Name: "not_reparented_to_init",
			Passed: false,
			Detail: fmt.Sprintf("parent changed %d -> 1", rec.ParentPID),
		})
	}
}

func (r *ValidationResult) add(c CheckResult) {
	r.Checks = append(r.Checks, c)
	if !c.Passed {
		r.Passed = false
	}
}

func detailOnErr(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func underAnyRoot(roots []string, path string) bool {
	for _, root := range roots {
		rel, err := filepath.Rel(root, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
