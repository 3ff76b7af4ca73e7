package strand

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// --- Tool contract ---

// Tool defines an agent capability with one or more operations.
type Tool interface {
	// Operations lists what the tool can do, with schemas for both
	// invocation styles.
	Operations() []Operation
	// Execute runs one operation with string keyword arguments. Failures
	// the model should see (bad paths, command errors, remote faults) are
	// reported inside the ToolResult; the error return is reserved for
	// faults the executor converts into a failed result itself.
	Execute(ctx context.Context, op string, kwargs map[string]string) (ToolResult, error)
}

// Operation describes one callable operation of a tool.
type Operation struct {
	// Name is the canonical operation name, in snake_case.
	Name string
	// Description is the summary shown in the prompt catalog.
	Description string
	// Structured is the JSON-schema form for native tool calling; nil
	// when the operation is XML-only.
	Structured *StructuredSchema
	// XML is the inline tag form; nil when the operation is
	// structured-only.
	XML *XMLSchema
	// Timeout overrides the executor's default per-call timeout when
	// positive.
	Timeout time.Duration
	// Hidden keeps the operation out of CatalogText. Pass-through
	// capabilities that publish their own catalog set this.
	Hidden bool
}

// StructuredSchema is the native tool-calling form of an operation.
type StructuredSchema struct {
	Parameters json.RawMessage // JSON Schema for the arguments object
}

// XMLSchema is the inline tag form of an operation.
type XMLSchema struct {
	// TagName is the tag the model writes, e.g. "create-file".
	TagName string
	// Mappings bind tag parts to keyword arguments.
	Mappings []ParamMapping
	// Example is a usage snippet included in the catalog.
	Example string
}

// ParamMapping binds one keyword argument to a part of the invocation tag.
type ParamMapping struct {
	Param string
	Node  NodeKind
	// Path names the attribute or child element; empty for content.
	Path string
}

type NodeKind string

const (
	NodeAttribute NodeKind = "attribute"
	NodeElement   NodeKind = "element"
	NodeContent   NodeKind = "content"
)

// ContentParam returns the kwarg name the tag's bare character data binds
// to, or "" when the schema has no content mapping.
func (s *XMLSchema) ContentParam() string {
	for _, m := range s.Mappings {
		if m.Node == NodeContent {
			return m.Param
		}
	}
	return ""
}

// --- Results ---

// ToolResult is the outcome of a tool execution. A failed execution is
// still a result: the executor never returns errors for tool-level faults,
// it reports them here so the model can react.
type ToolResult struct {
	ToolName  string            `json:"tool_name,omitempty"`
	Success   bool              `json:"success"`
	Output    string            `json:"output"`
	Kwargs    map[string]string `json:"kwargs,omitempty"`
	ErrorKind ErrorKind         `json:"error_kind,omitempty"`
}

// ErrorKind classifies a failed ToolResult.
type ErrorKind string

const (
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindException   ErrorKind = "exception"
	ErrorKindUnknownTool ErrorKind = "unknown_tool"
)

// OK builds a successful result.
func OK(output string) ToolResult {
	return ToolResult{Success: true, Output: output}
}

// Failf builds a failed result with a formatted message.
func Failf(format string, a ...any) ToolResult {
	return ToolResult{Success: false, Output: fmt.Sprintf(format, a...)}
}

// --- Parsed invocations ---

// CallSource records which invocation style produced a ToolCall.
type CallSource string

const (
	SourceXML    CallSource = "xml"
	SourceNative CallSource = "native"
)

// ToolCall is one tool invocation extracted from an assistant response.
type ToolCall struct {
	Name   string
	Kwargs map[string]string
	Source CallSource
	// NativeID is the provider-assigned call ID for native calls.
	NativeID string
}

// --- Registry ---

// Registration pairs an operation with the tool that owns it.
type Registration struct {
	Tool Tool
	Op   Operation
}

// Registry indexes tools by canonical operation name and by XML tag. A
// registry is assembled per run, so the active toolset can differ between
// agent configurations.
type Registry struct {
	ops    map[string]*Registration
	byTag  map[string]*Registration
	order  []string // canonical names in registration order
	logger *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// RegistryLogger sets the structured logger. Defaults to no output.
func RegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		ops:   make(map[string]*Registration),
		byTag: make(map[string]*Registration),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Register indexes every operation of the given tools. Later registrations
// win on name collisions.
func (r *Registry) Register(tools ...Tool) {
	for _, t := range tools {
		for _, op := range t.Operations() {
			reg := &Registration{Tool: t, Op: op}
			if _, exists := r.ops[op.Name]; exists {
				r.logger.Warn("tool operation re-registered", "name", op.Name)
			} else {
				r.order = append(r.order, op.Name)
			}
			r.ops[op.Name] = reg
			if op.XML != nil && op.XML.TagName != "" {
				r.byTag[op.XML.TagName] = reg
			}
		}
	}
}

// NormalizeToolName maps hyphenated names to their snake_case form. Models
// frequently write "web-search" for a tool registered as "web_search".
func NormalizeToolName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// Resolve finds an operation by name: exact match first, then the
// normalized form. Exact wins so a registered hyphenated name is never
// shadowed by normalization.
func (r *Registry) Resolve(name string) (*Registration, bool) {
	if reg, ok := r.ops[name]; ok {
		return reg, true
	}
	if reg, ok := r.ops[NormalizeToolName(name)]; ok {
		return reg, true
	}
	return nil, false
}

// ResolveTag finds an operation by its XML tag name, falling back to name
// resolution for tags written in canonical form.
func (r *Registry) ResolveTag(tag string) (*Registration, bool) {
	if reg, ok := r.byTag[tag]; ok {
		return reg, true
	}
	return r.Resolve(tag)
}

// XMLTags returns every registered tag, sorted, for the streaming scanner.
func (r *Registry) XMLTags() []string {
	tags := make([]string, 0, len(r.byTag))
	for tag := range r.byTag {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// StructuredDefinitions returns native tool definitions for every
// operation that has a structured schema, in registration order.
func (r *Registry) StructuredDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, name := range r.order {
		reg := r.ops[name]
		if reg.Op.Structured == nil {
			continue
		}
		defs = append(defs, ToolDefinition{
			Name:        reg.Op.Name,
			Description: reg.Op.Description,
			Parameters:  reg.Op.Structured.Parameters,
		})
	}
	return defs
}

// CatalogText renders the tool catalog appended to the system prompt: one
// block per operation, with the XML usage example when the operation has
// one. Hidden operations are skipped.
func (r *Registry) CatalogText() string {
	var b strings.Builder
	for _, name := range r.order {
		reg := r.ops[name]
		if reg.Op.Hidden {
			continue
		}
		fmt.Fprintf(&b, "## %s\n%s\n", reg.Op.Name, reg.Op.Description)
		if reg.Op.XML != nil && reg.Op.XML.Example != "" {
			fmt.Fprintf(&b, "Usage:\n%s\n", reg.Op.XML.Example)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
