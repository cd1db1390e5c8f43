// Package tools defines the tool capability interface, the name keyed registry
// the coordinator invokes through, and a small set of workspace file tools.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Error codes shared by the registry and the built-in tools.
const (
	CodeUnknownTool      = "unknown_tool"
	CodeInvalidArguments = "invalid_arguments"
	CodePanic            = "panic"
	CodeNotFound         = "not_found"
	CodeNoMatch          = "no_match"
	CodeStaleContent     = "stale_content"
	CodePatchFailed      = "patch_failed"
	CodeNotRead          = "not_read"
	CodeIO               = "io_error"
	CodeBinary           = "binary_file"
	CodeCancelled        = "cancelled"
)

// ToolError is a structured tool failure. Failures are data, not Go errors.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

// Result is the outcome of one tool invocation.
type Result struct {
	Output string     `json:"output,omitempty"`
	Error  *ToolError `json:"error,omitempty"`
}

// Failed reports whether the result carries an error.
func (r Result) Failed() bool {
	return r.Error != nil
}

// Payload is the text sent back to the backend for this result.
func (r Result) Payload() string {
	if r.Error == nil {
		return r.Output
	}
	if r.Output == "" {
		return r.Error.Error()
	}
	return r.Error.Error() + "\n" + r.Output
}

// Success builds a successful result.
func Success(output string) Result {
	return Result{Output: output}
}

// Failure builds a failed result.
func Failure(code, format string, args ...any) Result {
	return Result{Error: &ToolError{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// Spec is the static description of a tool used for the request schema.
type Spec interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
}

// Tool is a capability the backend can invoke by name.
type Tool interface {
	Spec
	Invoke(ctx context.Context, args json.RawMessage) Result
}

// Invoker is the narrow view the coordinator needs.
type Invoker interface {
	Invoke(ctx context.Context, name string, args json.RawMessage) Result
	Has(name string) bool
}

// Registry maps tool names to implementations. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry holding tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Remove unregisters a tool by name.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns every tool spec, sorted by name.
func (r *Registry) Specs() []Spec {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(names))
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			specs = append(specs, t)
		}
	}
	return specs
}

// Invoke runs the named tool. An unknown name yields an unknown_tool failure
// instead of a Go error.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) Result {
	tool, ok := r.Get(name)
	if !ok {
		return Failure(CodeUnknownTool, "tool not found: %s", name)
	}
	return tool.Invoke(ctx, args)
}

// ToJSONSchema converts the registered tools to function schemas.
func (r *Registry) ToJSONSchema() []map[string]interface{} {
	specs := r.Specs()
	schemas := make([]map[string]interface{}, 0, len(specs))
	for _, spec := range specs {
		schemas = append(schemas, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        spec.Name(),
				"description": spec.Description(),
				"parameters":  spec.Parameters(),
			},
		})
	}
	return schemas
}

// Func adapts a function to the Tool interface.
type Func struct {
	ToolName        string
	ToolDescription string
	Schema          map[string]interface{}
	Fn              func(ctx context.Context, params map[string]interface{}) Result
}

func (f *Func) Name() string        { return f.ToolName }
func (f *Func) Description() string { return f.ToolDescription }

func (f *Func) Parameters() map[string]interface{} {
	if f.Schema == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	return f.Schema
}

// Invoke decodes args into a parameter map and calls Fn.
func (f *Func) Invoke(ctx context.Context, args json.RawMessage) Result {
	params, err := DecodeParams(args)
	if err != nil {
		return Failure(CodeInvalidArguments, "%v", err)
	}
	return f.Fn(ctx, params)
}

// DecodeParams parses raw arguments into a parameter map. Empty input yields
// an empty map.
func DecodeParams(args json.RawMessage) (map[string]interface{}, error) {
	params := make(map[string]interface{})
	if len(strings.TrimSpace(string(args))) == 0 {
		return params, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(args)))
	dec.UseNumber()
	if err := dec.Decode(&params); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	return params, nil
}

// GetStringParam returns a string parameter or defaultVal.
func GetStringParam(params map[string]interface{}, key string, defaultVal string) string {
	if val, ok := params[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return defaultVal
}

// GetIntParam returns an integer parameter or defaultVal.
func GetIntParam(params map[string]interface{}, key string, defaultVal int) int {
	if val, ok := params[key]; ok {
		switch v := val.(type) {
		case int:
			return v
		case float64:
			return int(v)
		case json.Number:
			if i, err := v.Int64(); err == nil {
				return int(i)
			}
		}
	}
	return defaultVal
}

// GetBoolParam returns a boolean parameter or defaultVal.
func GetBoolParam(params map[string]interface{}, key string, defaultVal bool) bool {
	if val, ok := params[key]; ok {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return defaultVal
}
