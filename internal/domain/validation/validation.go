// Package validation implements the content-validation middleware that
// runs a configured linter and a semantic-rule validator over file
// writes before they reach the file adapter.
package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/codedeck/ecpd/internal/domain/middleware"
	"github.com/codedeck/ecpd/pkg/ecp"
)

// Issue is one finding reported by a linter or rule validator.
type Issue struct {
	Path     string
	Line     int
	Column   int
	RuleID   string
	Message  string
	Severity string // "error" or "warning"
	Fix      string // optional fix hint
}

// IsError reports whether the issue blocks the write.
func (i Issue) IsError() bool {
	return i.Severity == "" || i.Severity == "error"
}

// Linter checks file content for style and correctness problems.
// Implementations are external collaborators; the middleware only
// depends on this contract.
type Linter interface {
	Lint(ctx context.Context, path string, content []byte) ([]Issue, error)
}

// RuleValidator checks file content against workspace semantic rules.
type RuleValidator interface {
	Check(ctx context.Context, path string, content []byte) ([]Issue, error)
}

// validatedMethods are the write-shaped methods this middleware gates.
var validatedMethods = map[string]bool{
	"file/write":    true,
	"file/edit":     true,
	"document/save": true,
}

// Middleware runs the linter, then the rule validator, over the target
// of a write. Linter infrastructure failures are logged and passed
// through; findings of error severity reject the request.
type Middleware struct {
	linter Linter
	rules  RuleValidator
	logger *slog.Logger
}

// New creates the validation middleware. Either collaborator may be nil,
// in which case that stage is skipped.
func New(linter Linter, rules RuleValidator, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{linter: linter, rules: rules, logger: logger}
}

// Name implements middleware.Middleware.
func (v *Middleware) Name() string { return "validation" }

// Priority implements middleware.Middleware.
func (v *Middleware) Priority() int { return 50 }

// AppliesTo implements middleware.Middleware.
func (v *Middleware) AppliesTo(method string) bool {
	return validatedMethods[method]
}

// Validate implements middleware.Middleware.
func (v *Middleware) Validate(ctx context.Context, mc *middleware.Context) (middleware.Result, error) {
	path, content, ok := v.target(mc)
	if !ok {
		// Nothing to validate; the governance middleware already
		// default-denies unextractable targets for agents.
		return middleware.Allow(), nil
	}

	if v.linter != nil {
		issues, err := v.linter.Lint(ctx, path, content)
		if err != nil {
			// Linter infrastructure failure is non-fatal.
			v.logger.Warn("linter failed", "path", path, "error", err)
		} else if blocking := errorsOnly(issues); len(blocking) > 0 {
			return middleware.Result{
				Feedback:  formatFeedback("Lint failed", blocking),
				ErrorCode: ecp.CodeLintFailed,
				ErrorData: map[string]any{"issues": issueData(blocking)},
			}, nil
		}
	}

	if v.rules != nil {
		issues, err := v.rules.Check(ctx, path, content)
		if err != nil {
			v.logger.Warn("rule validator failed", "path", path, "error", err)
		} else if blocking := errorsOnly(issues); len(blocking) > 0 {
			return middleware.Result{
				Feedback:  formatFeedback("Rule violation", blocking),
				ErrorCode: ecp.CodeRuleViolation,
				ErrorData: map[string]any{"issues": issueData(blocking)},
			}, nil
		}
	}

	return middleware.Allow(), nil
}

// target resolves the file path and the content to validate. Content in
// params is preferred over the on-disk file, so a document/save carrying
// content validates what the client is about to write, not what is
// already there.
func (v *Middleware) target(mc *middleware.Context) (string, []byte, bool) {
	if len(mc.Params) == 0 {
		return "", nil, false
	}
	var fields map[string]any
	if err := json.Unmarshal(mc.Params, &fields); err != nil {
		return "", nil, false
	}

	var path string
	for _, key := range []string{"uri", "path", "file_path"} {
		if s, ok := fields[key].(string); ok && s != "" {
			path = strings.TrimPrefix(s, "file://")
			break
		}
	}
	if path == "" {
		return "", nil, false
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(mc.WorkspaceRoot, path)
	}

	for _, key := range []string{"content", "text"} {
		if s, ok := fields[key].(string); ok {
			return path, []byte(s), true
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		v.logger.Debug("validation target unreadable", "path", path, "error", err)
		return "", nil, false
	}
	return path, data, true
}

func errorsOnly(issues []Issue) []Issue {
	out := issues[:0:0]
	for _, issue := range issues {
		if issue.IsError() {
			out = append(out, issue)
		}
	}
	return out
}

// formatFeedback renders issues as readable multi-line feedback:
// one line per finding with location and rule id, plus a fix hint when
// the validator supplied one.
func formatFeedback(heading string, issues []Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d issue(s)\n", heading, len(issues))
	for _, issue := range issues {
		fmt.Fprintf(&b, "  %s:%d:%d [%s] %s\n", issue.Path, issue.Line, issue.Column, issue.RuleID, issue.Message)
		if issue.Fix != "" {
			fmt.Fprintf(&b, "    fix: %s\n", issue.Fix)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func issueData(issues []Issue) []map[string]any {
	out := make([]map[string]any, len(issues))
	for i, issue := range issues {
		out[i] = map[string]any{
			"path":    issue.Path,
			"line":    issue.Line,
			"column":  issue.Column,
			"ruleId":  issue.RuleID,
			"message": issue.Message,
		}
	}
	return out
}

var _ middleware.Middleware = (*Middleware)(nil)
