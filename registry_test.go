package durable

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopWorkflow(*Context, []byte) ([]byte, error) { return nil, nil }

func noopActivity(context.Context, []byte) ([]byte, error) { return nil, nil }

func TestRegistryRegistersAndFreezes(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterWorkflow(WorkflowDefinition{Name: "b", Tags: []string{"zone", "app"}, Handler: noopWorkflow}))
	require.NoError(t, r.RegisterWorkflow(WorkflowDefinition{Name: "a", Handler: noopWorkflow}))
	require.NoError(t, r.RegisterActivity(ActivityDefinition{Name: "send", Handler: noopActivity}))
	assert.False(t, r.Initialized())

	require.NoError(t, r.Initialize())
	assert.True(t, r.Initialized())
	assert.Equal(t, []string{"a", "b"}, r.WorkflowNames())

	def, ok := r.Workflow("b")
	require.True(t, ok)
	assert.Equal(t, []string{"app", "zone"}, def.Tags)

	act, ok := r.Activity("send")
	require.True(t, ok)
	assert.Equal(t, DefaultRetryPolicy, act.Retry)

	err := r.RegisterWorkflow(WorkflowDefinition{Name: "late", Handler: noopWorkflow})
	assert.True(t, HasCode(err, CodeRegistryAlreadyInitialized))
	err = r.RegisterActivity(ActivityDefinition{Name: "late", Handler: noopActivity})
	assert.True(t, HasCode(err, CodeRegistryAlreadyInitialized))
	assert.True(t, HasCode(r.Initialize(), CodeRegistryAlreadyInitialized))
}

func TestRegistryRejectsInvalidDefinitions(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterWorkflow(WorkflowDefinition{Name: "dup", Handler: noopWorkflow}))

	tests := []struct {
		name string
		err  error
		code string
	}{
		{"duplicate workflow", r.RegisterWorkflow(WorkflowDefinition{Name: "dup", Handler: noopWorkflow}), CodeDuplicateRegistration},
		{"empty name", r.RegisterWorkflow(WorkflowDefinition{Handler: noopWorkflow}), CodeInvalidInput},
		{"long name", r.RegisterWorkflow(WorkflowDefinition{Name: strings.Repeat("x", MaxNameLength+1), Handler: noopWorkflow}), CodeInvalidInput},
		{"invalid utf8", r.RegisterActivity(ActivityDefinition{Name: "\xff", Handler: noopActivity}), CodeInvalidInput},
		{"nil workflow handler", r.RegisterWorkflow(WorkflowDefinition{Name: "nil"}), CodeInvalidInput},
		{"nil activity handler", r.RegisterActivity(ActivityDefinition{Name: "nil"}), CodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.err)
			assert.True(t, HasCode(tt.err, tt.code), "got %v", tt.err)
		})
	}

	require.NoError(t, r.RegisterActivity(ActivityDefinition{Name: "once", Handler: noopActivity}))
	err := r.RegisterActivity(ActivityDefinition{Name: "once", Handler: noopActivity})
	assert.True(t, HasCode(err, CodeDuplicateRegistration))
}

func TestWorkflowTagSchema(t *testing.T) {
	def := WorkflowDefinition{Name: "w", Tags: []string{"room", "tenant"}}

	assert.NoError(t, def.validateTags(nil))
	assert.NoError(t, def.validateTags(map[string]string{"room": "5"}))
	assert.True(t, HasCode(def.validateTags(map[string]string{"floor": "2"}), CodeInvalidTags))
	assert.True(t, HasCode(def.validateTags(map[string]string{"room": ""}), CodeInvalidTags))
}
