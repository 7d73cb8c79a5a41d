package schema

import (
	"fmt"
	"sort"
)

// ValidationSeverity is "error" for issues that block a run and "warning"
// for issues that only predict surprising behavior.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem in a graph definition. Path points into
// the definition, e.g. "nodes[2].config.tools[0]". NodeID is set when the
// issue belongs to a single node.
type ValidationIssue struct {
	Path     string             `json:"path"`
	NodeID   string             `json:"node_id,omitempty"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult collects the issues of one graph. Only errors make it
// invalid; a cycle, for instance, is reported as a warning and surfaces at
// run time as GRAPH_DEADLOCK.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

// AddError records a graph-level error.
func (r *ValidationResult) AddError(path, code, message string) {
	r.NodeError("", path, code, message)
}

// AddWarning records a graph-level warning.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.NodeWarning("", path, code, message)
}

// NodeError records an error against nodeID.
func (r *ValidationResult) NodeError(nodeID, path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, NodeID: nodeID, Code: code, Message: message, Severity: SeverityError,
	})
}

// NodeWarning records a warning against nodeID.
func (r *ValidationResult) NodeWarning(nodeID, path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, NodeID: nodeID, Code: code, Message: message, Severity: SeverityWarning,
	})
}

func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// InvalidNodes returns the sorted IDs of nodes with at least one error.
func (r *ValidationResult) InvalidNodes() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, issue := range r.Errors {
		if issue.NodeID != "" && !seen[issue.NodeID] {
			seen[issue.NodeID] = true
			ids = append(ids, issue.NodeID)
		}
	}
	sort.Strings(ids)
	return ids
}

// ToError returns nil for a valid graph and a VALIDATION AgentError
// otherwise. When every error belongs to one node the error names it.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	first := r.Errors[0]
	msg := first.Path + ": " + first.Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("graph validation failed with %d errors", len(r.Errors))
	}

	nodes := r.InvalidNodes()
	err := NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"invalid_nodes": nodes,
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
	if len(nodes) == 1 && r.allOnNodes() {
		err = err.WithNode(nodes[0])
	}
	return err
}

func (r *ValidationResult) allOnNodes() bool {
	for _, issue := range r.Errors {
		if issue.NodeID == "" {
			return false
		}
	}
	return true
}
