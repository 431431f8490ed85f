package validation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/conduit/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://conduit.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "version": { "type": "integer", "minimum": 0 },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "entry_point": { "type": "string" },
    "timeout": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    },
    "parallel_execution": { "type": "boolean" },
    "max_in_flight": { "type": "integer", "minimum": 0 },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "type": {
          "type": "string",
          "enum": ["tool_call", "condition", "parallel", "loop", "delay", "http_request"]
        },
        "config": {},
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "continue_on_error": { "type": "boolean" },
        "when": { "$ref": "#/$defs/when" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "max_attempts": {
          "type": "integer",
          "minimum": 1
        },
        "backoff": {
          "type": "string",
          "enum": ["none", "constant", "linear", "exponential"]
        },
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "max_delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    },
    "when": {
      "type": "object",
      "required": ["step", "is"],
      "properties": {
        "step": { "type": "string", "minLength": 1 },
        "is": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates workflow definitions against JSON Schema
// Draft 2020-12 plus semantic checks the schema cannot express. It is safe
// for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// operators, when set, is the allowed condition-operator name set.
	operators map[string]bool

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the workflow schema
// pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://conduit.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://conduit.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// SetOperators declares the condition-operator names definitions may use.
// Condition steps naming an operator outside this set fail validation at
// registration instead of at execution. An empty set disables the check.
// Call before validating; not safe to call concurrently with validation.
func (v *JSONSchemaValidator) SetOperators(names []string) {
	v.operators = make(map[string]bool, len(names))
	for _, name := range names {
		v.operators[name] = true
	}
}

// ValidateDefinition validates a WorkflowDefinition against the workflow
// JSON Schema and then applies semantic checks: config block shape per step
// type, retry policies only where retries make sense, and parseable
// durations.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toEngineError(err)
	}

	for i := range def.Steps {
		if err := v.validateStep(&def.Steps[i]); err != nil {
			return err
		}
	}
	return nil
}

// ValidateInput validates execution input against a JSON Schema provided as
// raw bytes. Compiled schemas are cached by content.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

// validateStep applies the per-type semantic checks.
func (v *JSONSchemaValidator) validateStep(step *schema.StepDefinition) error {
	if step.Retry != nil && step.Type != schema.StepTypeToolCall && step.Type != schema.StepTypeHTTPRequest {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"step %s: retry applies only to tool_call and http_request steps", step.ID).WithStep(step.ID)
	}

	switch step.Type {
	case schema.StepTypeToolCall:
		var cfg schema.ToolCallConfig
		if err := decodeStepConfig(step, &cfg); err != nil {
			return err
		}
		if cfg.Tool == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %s: tool_call requires a tool name", step.ID).WithStep(step.ID)
		}

	case schema.StepTypeCondition:
		var cfg schema.ConditionConfig
		if err := decodeStepConfig(step, &cfg); err != nil {
			return err
		}
		if cfg.Operator == "" && cfg.Expression == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %s: condition requires an operator or an expression", step.ID).WithStep(step.ID)
		}
		if cfg.Operator != "" && cfg.Expression != "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %s: condition takes an operator or an expression, not both", step.ID).WithStep(step.ID)
		}
		if cfg.Operator != "" && len(v.operators) > 0 && !v.operators[cfg.Operator] {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %s: unknown operator %q; registered: [%s]", step.ID, cfg.Operator, strings.Join(sortedNames(v.operators), ", ")).WithStep(step.ID)
		}

	case schema.StepTypeParallel:
		var cfg schema.ParallelConfig
		if err := decodeStepConfig(step, &cfg); err != nil {
			return err
		}
		if len(cfg.Children) == 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %s: parallel requires at least one child", step.ID).WithStep(step.ID)
		}
		for i := range cfg.Children {
			if err := v.validateStep(&cfg.Children[i]); err != nil {
				return err
			}
		}

	case schema.StepTypeLoop:
		var cfg schema.LoopConfig
		if err := decodeStepConfig(step, &cfg); err != nil {
			return err
		}
		if cfg.Over == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %s: loop requires 'over'", step.ID).WithStep(step.ID)
		}
		if len(cfg.Body) == 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %s: loop requires a body", step.ID).WithStep(step.ID)
		}
		if cfg.Mode != "" && cfg.Mode != "sequential" && cfg.Mode != "concurrent" {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %s: loop mode must be sequential or concurrent", step.ID).WithStep(step.ID)
		}
		for i := range cfg.Body {
			if err := v.validateStep(&cfg.Body[i]); err != nil {
				return err
			}
		}

	case schema.StepTypeDelay:
		var cfg schema.DelayConfig
		if err := decodeStepConfig(step, &cfg); err != nil {
			return err
		}
		if cfg.Duration == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %s: delay requires a duration", step.ID).WithStep(step.ID)
		}
		// A $reference resolves at run time; a literal must parse now.
		if !strings.Contains(cfg.Duration, "$") {
			if _, err := time.ParseDuration(cfg.Duration); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "step %s: invalid delay duration %q", step.ID, cfg.Duration).WithStep(step.ID)
			}
		}

	case schema.StepTypeHTTPRequest:
		var cfg schema.HTTPRequestConfig
		if err := decodeStepConfig(step, &cfg); err != nil {
			return err
		}
		if cfg.URL == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %s: http_request requires a url", step.ID).WithStep(step.ID)
		}
	}
	return nil
}

func sortedNames(set map[string]bool) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func decodeStepConfig(step *schema.StepDefinition, out any) error {
	if len(step.Config) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %s: %s requires a config block", step.ID, step.Type).WithStep(step.ID)
	}
	if err := json.Unmarshal(step.Config, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %s: invalid %s config: %s", step.ID, step.Type, err.Error()).
			WithStep(step.ID).WithCause(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid compiler collisions.
	url := fmt.Sprintf("conduit://input-schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEngineError converts a jsonschema.ValidationError into an EngineError
// with one message per violation.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
