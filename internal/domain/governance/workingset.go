// Package governance implements the working-set policy middleware that
// bounds agent file mutations and terminal execution to an
// operator-configured set of workspace folders.
package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/codedeck/ecpd/internal/domain/middleware"
	"github.com/codedeck/ecpd/internal/domain/settings"
	"github.com/codedeck/ecpd/pkg/ecp"
)

// Settings keys consulted from the per-request snapshot.
const (
	KeyEnforcementEnabled = "governance.workingSet.enforcementEnabled"
	KeyProjectFolders     = "governance.workingSet.project"
	KeySessionFolders     = "governance.workingSet.session"
	KeyBypassAgentIDs     = "governance.workingSet.bypassAgentIds"
	KeyBypassRoleTypes    = "governance.workingSet.bypassRoleTypes"
)

// Machine-readable rejection codes carried in error data.
const (
	CodeWorkingSetEmpty   = "WORKING_SET_EMPTY"
	CodeTargetUnknown     = "WORKING_SET_TARGET_UNKNOWN"
	CodeOutsideWorkingSet = "OUTSIDE_WORKING_SET"
)

// WorkingSet is the governance middleware. Human callers always pass;
// agent callers are confined to the effective working set. Requests
// whose target paths cannot be extracted are denied, so an unexpected
// param shape cannot bypass policy.
type WorkingSet struct {
	logger *slog.Logger
}

// New creates the working-set governance middleware.
func New(logger *slog.Logger) *WorkingSet {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkingSet{logger: logger}
}

// Name implements middleware.Middleware.
func (w *WorkingSet) Name() string { return "working-set-governance" }

// Priority implements middleware.Middleware.
func (w *WorkingSet) Priority() int { return 40 }

// AppliesTo implements middleware.Middleware: file mutations and
// terminal execution.
func (w *WorkingSet) AppliesTo(method string) bool {
	return middleware.IsFileMutation(method) || middleware.IsTerminalExec(method)
}

// Validate implements middleware.Middleware.
func (w *WorkingSet) Validate(_ context.Context, mc *middleware.Context) (middleware.Result, error) {
	snap := mc.Settings()
	if !snap.Bool(KeyEnforcementEnabled) {
		return middleware.Allow(), nil
	}

	caller, ok := mc.Caller()
	if !ok || caller.IsHuman() {
		// UI actions bypass governance; the caller identity is asserted
		// by the server, so a missing caller means a human origin.
		return middleware.Allow(), nil
	}

	if w.bypassed(snap, caller) {
		w.logger.Debug("working set bypass", "agent_id", caller.AgentID, "role", caller.RoleType)
		return middleware.Allow(), nil
	}

	workingSet := effectiveWorkingSet(snap)

	if middleware.IsTerminalExec(mc.Method) {
		// The core does not parse shell commands; an empty working set
		// is the only terminal-exec rejection.
		if len(workingSet) == 0 {
			return reject(CodeWorkingSetEmpty,
				"Terminal execution is blocked: the working set is empty.",
				map[string]any{"code": CodeWorkingSetEmpty}), nil
		}
		return middleware.Allow(), nil
	}

	targets, ok := extractTargets(mc.Method, mc.Params)
	if !ok {
		return reject(CodeTargetUnknown,
			fmt.Sprintf("Cannot determine the target path for %s; the request is denied.", mc.Method),
			map[string]any{"code": CodeTargetUnknown}), nil
	}

	if len(workingSet) == 0 {
		return reject(CodeWorkingSetEmpty,
			"File mutations are blocked: the working set is empty.",
			map[string]any{"code": CodeWorkingSetEmpty}), nil
	}

	roots := make([]string, len(workingSet))
	for i, folder := range workingSet {
		roots[i] = absolutize(folder, mc.WorkspaceRoot)
	}

	for _, target := range targets {
		abs := absolutize(target, mc.WorkspaceRoot)
		if !insideAny(abs, roots) {
			return reject(CodeOutsideWorkingSet,
				fmt.Sprintf("Target %s is outside the working set %v.", abs, workingSet),
				map[string]any{
					"code":       CodeOutsideWorkingSet,
					"target":     abs,
					"workingSet": workingSet,
				}), nil
		}
	}

	return middleware.Allow(), nil
}

func reject(code, feedback string, data map[string]any) middleware.Result {
	return middleware.Result{
		Feedback:  feedback,
		ErrorCode: ecp.CodeValidationFailed,
		ErrorData: data,
	}
}

func (w *WorkingSet) bypassed(snap settings.Snapshot, caller middleware.Caller) bool {
	if ids, ok := snap.StringSlice(KeyBypassAgentIDs); ok && contains(ids, caller.AgentID) {
		return true
	}
	if roles, ok := snap.StringSlice(KeyBypassRoleTypes); ok && contains(roles, caller.RoleType) {
		return true
	}
	return false
}

func contains(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// effectiveWorkingSet returns the session override when it is present as
// an array, otherwise the project list. Folders are normalised: trimmed
// and stripped of trailing slashes; empty entries are dropped.
func effectiveWorkingSet(snap settings.Snapshot) []string {
	folders, ok := snap.StringSlice(KeySessionFolders)
	if !ok {
		folders, _ = snap.StringSlice(KeyProjectFolders)
	}

	out := make([]string, 0, len(folders))
	for _, f := range folders {
		f = strings.TrimSpace(f)
		f = strings.TrimRight(f, "/")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// extractTargets pulls the target path(s) from request params. Renames
// need both sides; everything else accepts uri, path, or file_path, in
// that order. Returns false when no target can be determined.
func extractTargets(method string, params json.RawMessage) ([]string, bool) {
	if len(params) == 0 {
		return nil, false
	}
	var fields map[string]any
	if err := json.Unmarshal(params, &fields); err != nil {
		return nil, false
	}

	if middleware.IsRename(method) {
		oldTarget, oldOK := firstString(fields, "oldUri", "oldPath")
		newTarget, newOK := firstString(fields, "newUri", "newPath")
		if !oldOK || !newOK {
			return nil, false
		}
		return []string{stripFileScheme(oldTarget), stripFileScheme(newTarget)}, true
	}

	target, ok := firstString(fields, "uri", "path", "file_path")
	if !ok {
		return nil, false
	}
	return []string{stripFileScheme(target)}, true
}

func firstString(fields map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := fields[key].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func stripFileScheme(target string) string {
	return strings.TrimPrefix(target, "file://")
}

// absolutize resolves a possibly workspace-relative path to a cleaned
// absolute path.
func absolutize(path, workspaceRoot string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspaceRoot, path)
	}
	return filepath.Clean(path)
}

// insideAny reports whether target equals one of the roots or is
// strictly inside one. The prefix match must end at a path separator so
// /repo/srcx never matches the folder /repo/src.
func insideAny(target string, roots []string) bool {
	for _, root := range roots {
		if target == root {
			return true
		}
		if strings.HasPrefix(target, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

var _ middleware.Middleware = (*WorkingSet)(nil)
