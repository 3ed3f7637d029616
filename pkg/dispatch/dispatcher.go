// Package dispatch implements the Tool Dispatcher: a process-wide registry
// mapping declarative tool schemas (one JSON document per tool, under
// role-scoped directories) to Go handler functions, with schema validation,
// intelligent result truncation, and structured error surfacing.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/jsonschema-go/jsonschema"

	"autosint/pkg/apitypes"
	"autosint/pkg/config"
	"autosint/pkg/ids"
	"autosint/pkg/logx"
)

// Role selects which tool set and handler context shape applies.
type Role string

const (
	RoleAnalyst   Role = "analyst"
	RoleProcessor Role = "processor"
)

// Schema is one tool's declarative document: LLM-facing shape plus a
// handler-config section for result-size limits and role-specific knobs.
type Schema struct {
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	InputSchema   json.RawMessage `json:"input_schema"`
	HandlerConfig json.RawMessage `json:"handler_config,omitempty"`

	resolved *jsonschema.Resolved
}

// HandlerContext is passed to every tool handler. It carries the store
// clients, the investigation/session identity, and a cancellation signal;
// handlers have no ambient state beyond this.
type HandlerContext struct {
	Context         context.Context
	Role            Role
	InvestigationID ids.InvestigationID
	Cycle           int
	Graph           GraphClient
	Store           RelationalClient
	Queue           QueueClient
	Embeddings      EmbeddingClient
	Fetch           ExternalModuleClient
	Geo             ExternalModuleClient
	Scribe          ExternalModuleClient
	Counters        *SessionCounters
	DedupConfig     config.DedupConfig
	SafetyLimits    config.SafetyLimits
}

// SessionCounters tracks write operations performed during one session, for
// the orchestrator to read back the outcome (claims_produced_count, whether
// produce_assessment fired, etc.) once the session ends.
type SessionCounters struct {
	EntitiesCreated      atomic.Int32
	ClaimsCreated        atomic.Int32
	RelationshipsCreated atomic.Int32
	WorkOrdersCreated    atomic.Int32
	AssessmentProduced   atomic.Bool
}

// Handler is the function signature every registered tool implements. It
// returns a JSON-serializable value or a plain-text error message; the
// dispatcher classifies and wraps the outcome.
type Handler func(ctx *HandlerContext, args json.RawMessage) (any, error)

// Result is the tool_result entry appended to the session's conversation
// history.
type Result struct {
	Content     string
	IsError     bool
	IsMalformed bool
	Kind        apitypes.ErrorKind
}

// Dispatcher owns the schema-to-handler mapping for one role.
type Dispatcher struct {
	role     Role
	logger   *logx.Logger
	limits   config.ToolResultLimits
	mu       sync.RWMutex
	schemas  map[string]*Schema
	handlers map[string]Handler
}

// New creates an empty Dispatcher for role. Call LoadSchemas and Register
// for every tool, then Validate before first use.
func New(role Role, limits config.ToolResultLimits) *Dispatcher {
	return &Dispatcher{
		role:     role,
		logger:   logx.NewLogger(fmt.Sprintf("dispatch-%s", role)),
		limits:   limits,
		schemas:  make(map[string]*Schema),
		handlers: make(map[string]Handler),
	}
}

// LoadSchemas reads every *.json file in dir as a Schema and resolves its
// input_schema for validation.
func (d *Dispatcher) LoadSchemas(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("dispatch: reading schema dir %s: %w", dir, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path) //nolint:gosec // fixed config directory
		if err != nil {
			return fmt.Errorf("dispatch: reading %s: %w", path, err)
		}

		var s Schema
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("dispatch: parsing %s: %w", path, err)
		}
		if s.Name == "" {
			return fmt.Errorf("dispatch: schema %s missing 'name'", path)
		}

		var js jsonschema.Schema
		if len(s.InputSchema) > 0 {
			if err := json.Unmarshal(s.InputSchema, &js); err != nil {
				return fmt.Errorf("dispatch: parsing input_schema for %s: %w", s.Name, err)
			}
			resolved, err := js.Resolve(nil)
			if err != nil {
				return fmt.Errorf("dispatch: resolving input_schema for %s: %w", s.Name, err)
			}
			s.resolved = resolved
		}

		d.schemas[s.Name] = &s
	}

	d.logger.Info("loaded %d tool schemas for role %s", len(d.schemas), d.role)
	return nil
}

// Register attaches a handler implementation to a tool name.
func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

// Validate fails fast if any loaded schema lacks a registered handler or
// any registered handler lacks a schema.
func (d *Dispatcher) Validate() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var missing []string
	for name := range d.schemas {
		if _, ok := d.handlers[name]; !ok {
			missing = append(missing, name)
		}
	}
	for name := range d.handlers {
		if _, ok := d.schemas[name]; !ok {
			missing = append(missing, name+" (handler without schema)")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("dispatch: role %s: unmatched tools/handlers: %s", d.role, strings.Join(missing, ", "))
	}
	return nil
}

// Definitions returns the LLM-facing tool definitions for this role.
func (d *Dispatcher) Definitions() []Schema {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Schema, 0, len(d.schemas))
	for _, s := range d.schemas {
		out = append(out, *s)
	}
	return out
}

// Execute runs the execution contract from spec.md §4.4: lookup, schema
// validation, invocation, serialization with intelligent truncation, and
// structured error surfacing. Handler panics are not recovered here and
// propagate to the caller, since a panicking handler is a bug, not a
// malformed-tool-call condition.
func (d *Dispatcher) Execute(hctx *HandlerContext, toolName string, argsJSON json.RawMessage) Result {
	d.mu.RLock()
	schema, hasSchema := d.schemas[toolName]
	handler, hasHandler := d.handlers[toolName]
	d.mu.RUnlock()

	if !hasSchema || !hasHandler {
		return Result{
			Content:     fmt.Sprintf("unknown tool %q", toolName),
			IsError:     true,
			IsMalformed: true,
			Kind:        apitypes.ErrorValidation,
		}
	}

	if schema.resolved != nil {
		var instance any
		if err := json.Unmarshal(argsJSON, &instance); err != nil {
			return Result{
				Content:     fmt.Sprintf("arguments for %q are not valid JSON: %v", toolName, err),
				IsError:     true,
				IsMalformed: true,
				Kind:        apitypes.ErrorValidation,
			}
		}
		if err := schema.resolved.Validate(instance); err != nil {
			return Result{
				Content:     fmt.Sprintf("arguments for %q failed schema validation: %v", toolName, err),
				IsError:     true,
				IsMalformed: true,
				Kind:        apitypes.ErrorValidation,
			}
		}
	}

	value, err := handler(hctx, argsJSON)
	if err != nil {
		var terr *apitypes.TaxonomyError
		kind := apitypes.ErrorValidation
		if ok := asTaxonomyError(err, &terr); ok {
			kind = terr.Kind
		}
		d.logger.Warn("tool %s failed: %v", toolName, err)
		return Result{
			Content: err.Error(),
			IsError: true,
			Kind:    kind,
		}
	}

	content, err := json.Marshal(value)
	if err != nil {
		return Result{
			Content: fmt.Sprintf("failed to serialize result for %q: %v", toolName, err),
			IsError: true,
			Kind:    apitypes.ErrorValidation,
		}
	}

	return Result{Content: d.truncate(toolName, string(content))}
}

func (d *Dispatcher) truncate(toolName, content string) string {
	switch {
	case strings.HasPrefix(toolName, "search_claims"):
		return truncateClaimPreviews(truncateSearchResults(content, d.limits), d.limits)
	case strings.HasPrefix(toolName, "search_") || strings.HasPrefix(toolName, "traverse_"):
		return truncateSearchResults(content, d.limits)
	case toolName == "get_entity" || toolName == "create_entity" || toolName == "update_entity":
		return truncateEntityDetail(content, d.limits)
	default:
		return content
	}
}

func asTaxonomyError(err error, out **apitypes.TaxonomyError) bool {
	for err != nil {
		if te, ok := err.(*apitypes.TaxonomyError); ok { //nolint:errorlint // narrow local unwrap loop
			*out = te
			return true
		}
		u, ok := err.(interface{ Unwrap() error }) //nolint:errorlint
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
