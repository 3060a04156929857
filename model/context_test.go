package model

import (
	"context"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rc      *RequestContext
		wantErr bool
	}{
		{
			name:    "valid context",
			rc:      &RequestContext{SubjectID: "user-1", WorkspaceID: "ws-1"},
			wantErr: false,
		},
		{
			name:    "missing SubjectID",
			rc:      &RequestContext{WorkspaceID: "ws-1"},
			wantErr: true,
		},
		{
			name:    "missing WorkspaceID",
			rc:      &RequestContext{SubjectID: "user-1"},
			wantErr: true,
		},
		{
			name:    "missing both",
			rc:      &RequestContext{},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequestContext_HasRole(t *testing.T) {
	rc := &RequestContext{Roles: []string{"agent", RolePrivileged}}
	if !rc.HasRole("agent") {
		t.Error("HasRole(agent) = false, want true")
	}
	if rc.HasRole("viewer") {
		t.Error("HasRole(viewer) = true, want false")
	}
	if !rc.IsPrivileged() {
		t.Error("IsPrivileged() = false, want true")
	}
}

func TestRequestContext_IsPrivileged_empty(t *testing.T) {
	rc := &RequestContext{}
	if rc.IsPrivileged() {
		t.Error("IsPrivileged() on empty roles = true, want false")
	}
}

func TestRequestContext_ActsFor(t *testing.T) {
	tests := []struct {
		name     string
		rc       *RequestContext
		assignee string
		want     bool
	}{
		{"assignee", &RequestContext{SubjectID: "alice"}, "alice", true},
		{"other agent", &RequestContext{SubjectID: "bob", Roles: []string{"agent"}}, "alice", false},
		{"privileged", &RequestContext{SubjectID: "ops", Roles: []string{RolePrivileged}}, "alice", true},
		{"unassigned", &RequestContext{SubjectID: "alice"}, "", false},
		{"unassigned privileged", &RequestContext{SubjectID: "ops", Roles: []string{RolePrivileged}}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rc.ActsFor(tt.assignee); got != tt.want {
				t.Errorf("ActsFor(%q) = %v, want %v", tt.assignee, got, tt.want)
			}
		})
	}
}

func TestWithRequestContext_and_RequestContextFrom(t *testing.T) {
	rctx := &RequestContext{SubjectID: "user-1", WorkspaceID: "ws-1"}
	ctx := WithRequestContext(context.Background(), rctx)
	if got := RequestContextFrom(ctx); got != rctx {
		t.Errorf("RequestContextFrom() = %v, want %v", got, rctx)
	}
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty context) = %v, want nil", got)
	}
}

func TestMustRequestContext_absent_panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustRequestContext(empty context) did not panic")
		}
	}()
	MustRequestContext(context.Background())
}
