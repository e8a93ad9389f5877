package durable

import (
	"context"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/goliatone/go-errors"
)

// MaxNameLength bounds workflow and activity names, in bytes.
const MaxNameLength = 128

// WorkflowFunc is the body of a workflow. It must be deterministic: every
// side effect goes through a Context primitive.
type WorkflowFunc func(ctx *Context, input []byte) ([]byte, error)

// ActivityFunc is a side-effecting function whose result is memoized.
type ActivityFunc func(ctx context.Context, input []byte) ([]byte, error)

// RetryPolicy bounds activity retries. Backoff doubles from InitialBackoff
// up to MaxBackoff.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy applies to activities registered without one.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: time.Second,
	MaxBackoff:     time.Minute,
}

// WorkflowDefinition registers a workflow. Tags is the tag schema: the set
// of keys a dispatch may carry.
type WorkflowDefinition struct {
	Name    string
	Tags    []string
	Handler WorkflowFunc
}

// ActivityDefinition registers an activity. A zero Timeout runs the
// activity under the attempt context only.
type ActivityDefinition struct {
	Name    string
	Handler ActivityFunc
	Retry   RetryPolicy
	Timeout time.Duration
}

// Registry maps names to workflow and activity functions. It is filled at
// process start and immutable once initialized.
type Registry struct {
	mu          sync.RWMutex
	workflows   map[string]WorkflowDefinition
	activities  map[string]ActivityDefinition
	initialized bool
}

func NewRegistry() *Registry {
	return &Registry{
		workflows:  make(map[string]WorkflowDefinition),
		activities: make(map[string]ActivityDefinition),
	}
}

func (r *Registry) RegisterWorkflow(def WorkflowDefinition) error {
	if err := validateName("workflow", def.Name); err != nil {
		return err
	}
	if def.Handler == nil {
		return cloneError(ErrInvalidInput, "workflow handler cannot be nil", nil,
			map[string]any{"workflow": def.Name})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return errors.New("cannot register workflows after registry has been initialized", errors.CategoryConflict).
			WithTextCode(CodeRegistryAlreadyInitialized)
	}
	if _, exists := r.workflows[def.Name]; exists {
		return cloneError(ErrDuplicateRegistration, "", nil, map[string]any{"workflow": def.Name})
	}
	def.Tags = append([]string(nil), def.Tags...)
	sort.Strings(def.Tags)
	r.workflows[def.Name] = def
	return nil
}

func (r *Registry) RegisterActivity(def ActivityDefinition) error {
	if err := validateName("activity", def.Name); err != nil {
		return err
	}
	if def.Handler == nil {
		return cloneError(ErrInvalidInput, "activity handler cannot be nil", nil,
			map[string]any{"activity": def.Name})
	}
	if def.Retry.MaxAttempts <= 0 {
		def.Retry = DefaultRetryPolicy
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return errors.New("cannot register activities after registry has been initialized", errors.CategoryConflict).
			WithTextCode(CodeRegistryAlreadyInitialized)
	}
	if _, exists := r.activities[def.Name]; exists {
		return cloneError(ErrDuplicateRegistration, "", nil, map[string]any{"activity": def.Name})
	}
	r.activities[def.Name] = def
	return nil
}

// Initialize freezes the registry.
func (r *Registry) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return ErrRegistryAlreadyInitialized.Clone()
	}
	r.initialized = true
	return nil
}

func (r *Registry) Initialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized
}

func (r *Registry) Workflow(name string) (WorkflowDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.workflows[name]
	return def, ok
}

func (r *Registry) Activity(name string) (ActivityDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.activities[name]
	return def, ok
}

// WorkflowNames returns the registered workflow names in sorted order.
func (r *Registry) WorkflowNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validateTags checks tags against the workflow's tag schema.
func (def WorkflowDefinition) validateTags(tags map[string]string) error {
	for k, v := range tags {
		idx := sort.SearchStrings(def.Tags, k)
		if idx >= len(def.Tags) || def.Tags[idx] != k {
			return cloneError(ErrInvalidTags, "tag not declared by workflow", nil,
				map[string]any{"workflow": def.Name, "tag": k})
		}
		if v == "" {
			return cloneError(ErrInvalidTags, "tag value cannot be empty", nil,
				map[string]any{"workflow": def.Name, "tag": k})
		}
	}
	return nil
}

func validateName(kind, name string) error {
	switch {
	case name == "":
		return cloneError(ErrInvalidInput, kind+" name cannot be empty", nil, nil)
	case len(name) > MaxNameLength:
		return cloneError(ErrInvalidInput, kind+" name too long", nil,
			map[string]any{"name": name, "max_bytes": MaxNameLength})
	case !utf8.ValidString(name):
		return cloneError(ErrInvalidInput, kind+" name must be valid UTF-8", nil, nil)
	}
	return nil
}
