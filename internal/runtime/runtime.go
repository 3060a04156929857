// Package runtime is the port to the external process runtime that executes
// deployed process definitions. This core never executes process graphs
// itself; it deploys, starts instances, and completes user tasks through this
// port and receives runtime events over the HTTP callback route.
package runtime

import (
	"context"
)

// Runtime is the narrow interface consumed from the process runtime.
type Runtime interface {
	// Deploy uploads a process definition and returns its deployed key.
	Deploy(ctx context.Context, req DeployRequest) (string, error)

	// StartInstance starts a process instance and returns the runtime's
	// process instance key. IdempotencyKey, when set, is forwarded so the
	// runtime can deduplicate retried starts.
	StartInstance(ctx context.Context, req StartInstanceRequest) (string, error)

	// CompleteUserTask completes a user task with form data. A rejection is
	// reported as RUNTIME_REJECTED; the call is never retried.
	CompleteUserTask(ctx context.Context, taskKey string, formData map[string]any) error
}

// DeployRequest carries a process definition to deploy.
type DeployRequest struct {
	Name          string `json:"name"`
	DefinitionXML string `json:"definition_xml"`
}

// StartInstanceRequest carries the inputs for starting a process instance.
type StartInstanceRequest struct {
	ProcessDefinitionKey string         `json:"process_definition_key"`
	BusinessKey          string         `json:"business_key,omitempty"`
	Variables            map[string]any `json:"variables,omitempty"`
	IdempotencyKey       string         `json:"-"`
}
