package policy

import (
	"fmt"

	"github.com/grcflow/grcflow/core"
)

// CompileError is raised by the loader for an invalid policy document, and
// by evaluation when a strict rule references an unknown attribute path.
// The prior active set stays in place when activation fails with it.
type CompileError struct {
	SetID   string
	RuleID  string
	Path    string
	Message string
}

func (e *CompileError) Error() string {
	switch {
	case e.RuleID != "" && e.Path != "":
		return fmt.Sprintf("policy compile [%s] rule %s: %s (path %q)", e.SetID, e.RuleID, e.Message, e.Path)
	case e.RuleID != "":
		return fmt.Sprintf("policy compile [%s] rule %s: %s", e.SetID, e.RuleID, e.Message)
	default:
		return fmt.Sprintf("policy compile [%s]: %s", e.SetID, e.Message)
	}
}

// Unwrap lets callers detect compile failures with errors.Is.
func (e *CompileError) Unwrap() error { return core.ErrPolicyCompile }

// Code returns the machine code for the error taxonomy.
func (e *CompileError) Code() string { return core.CodePolicyCompile }
