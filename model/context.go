package model

import (
	"context"
	"errors"
	"slices"
)

// RolePrivileged lets an actor delegate or complete tasks assigned to
// someone else, switch workspace, and administer triggers.
const RolePrivileged = "workflow:admin"

// SystemActorID is recorded on history entries the engine writes itself,
// such as cancellations after the process instance ended.
const SystemActorID = "system"

var (
	errNoSubject   = errors.New("subject is required")
	errNoWorkspace = errors.New("workspace is required")
)

// RequestContext is the verified caller of a request. It is built once by
// the transport layer and only read afterwards.
type RequestContext struct {
	SubjectID     string
	Email         string
	WorkspaceID   string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
	SpanID        string
}

// Validate reports a missing subject or workspace. Runtime service tokens
// carry no workspace and fail here, which keeps them off workspace routes.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, errNoSubject)
	}
	if rc.WorkspaceID == "" {
		errs = append(errs, errNoWorkspace)
	}
	return errors.Join(errs...)
}

// HasRole reports whether the caller holds role.
func (rc *RequestContext) HasRole(role string) bool {
	return slices.Contains(rc.Roles, role)
}

// IsPrivileged reports whether the caller holds RolePrivileged.
func (rc *RequestContext) IsPrivileged() bool {
	return rc.HasRole(RolePrivileged)
}

// ActsFor reports whether the caller may act on work assigned to
// assigneeID: the assignee always can, privileged callers can for anyone.
func (rc *RequestContext) ActsFor(assigneeID string) bool {
	return (assigneeID != "" && rc.SubjectID == assigneeID) || rc.IsPrivileged()
}

type requestContextKey struct{}

// WithRequestContext returns ctx carrying rctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom returns the RequestContext in ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}

// MustRequestContext is RequestContextFrom for handlers mounted behind the
// authentication middleware. It panics when the context is missing.
func MustRequestContext(ctx context.Context) *RequestContext {
	if rctx := RequestContextFrom(ctx); rctx != nil {
		return rctx
	}
	panic("model: no RequestContext in context")
}
