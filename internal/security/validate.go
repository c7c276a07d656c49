// Package security implements the ingress gate: token authentication,
// audit logging, rate windows, cost ceilings, and input validation.
package security

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/agentmux/agentmux/internal/common/errors"
)

// MaxContentLength bounds dispatch and follow-up content.
const MaxContentLength = 10000

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// ValidateAgentID checks the agent id charset and length.
func ValidateAgentID(id string) error {
	if !agentIDPattern.MatchString(id) {
		return errors.ValidationError("agent_id",
			"must match ^[A-Za-z0-9._-]{1,64}$")
	}
	return nil
}

// ValidateContent checks task content length. Empty content is allowed
// for follow-ups only; callers enforce that distinction.
func ValidateContent(content string) error {
	if len(content) > MaxContentLength {
		return errors.ValidationError("content",
			fmt.Sprintf("exceeds %d characters", MaxContentLength))
	}
	return nil
}

// ValidateWorkdir checks a bridge-reported working directory: it must
// be absolute and free of parent traversal. Anything else is a path
// violation.
func ValidateWorkdir(workdir string) error {
	if workdir == "" {
		return nil
	}
	if !filepath.IsAbs(workdir) {
		return errors.ValidationError("workdir", "must be an absolute path")
	}
	for _, part := range strings.Split(filepath.ToSlash(workdir), "/") {
		if part == ".." {
			return errors.ValidationError("workdir", "must not contain parent traversal")
		}
	}
	return nil
}
