package strand

import (
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// DefaultMaxToolCalls caps how many invocations are honored from a single
// assistant response.
const DefaultMaxToolCalls = 10

// parseWrapper is the synthetic root element the parser wraps assistant
// text in, so responses with several top-level tags form a valid document.
const parseWrapper = "root"

// Parser extracts tool invocations from assistant text. Two styles are
// accepted: the invoke format
//
//	<function_calls><invoke name="execute_command">
//	<parameter name="command">ls</parameter>
//	</invoke></function_calls>
//
// and inline tags
//
//	<create-file file_path="app.py">print("hi")</create-file>
//
// Container elements (function_calls, tools, and the synthetic root) are
// transparent: their children are collected in document order.
type Parser struct {
	registry *Registry
	max      int
	logger   *slog.Logger
}

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// ParserMaxCalls sets the invocation cap (default DefaultMaxToolCalls).
// Zero or negative disables the cap.
func ParserMaxCalls(n int) ParserOption {
	return func(p *Parser) { p.max = n }
}

// ParserLogger sets the structured logger. Defaults to no output.
func ParserLogger(l *slog.Logger) ParserOption {
	return func(p *Parser) { p.logger = l }
}

func NewParser(reg *Registry, opts ...ParserOption) *Parser {
	p := &Parser{registry: reg, max: DefaultMaxToolCalls}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = nopLogger
	}
	return p
}

// Parse extracts tool calls from content in document order. It returns at
// most the configured cap of calls plus the number dropped by the cap.
// Markup that is not well formed yields ErrParse; callers treat the text
// as plain prose then. Text without any tags parses to zero calls.
func (p *Parser) Parse(content string) ([]ToolCall, int, error) {
	if strings.TrimSpace(content) == "" {
		return nil, 0, nil
	}
	root, err := parseInvocationTree(content)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrParse, err)
	}

	var calls []ToolCall
	var visit func(n *invocationNode)
	visit = func(n *invocationNode) {
		switch {
		case transparentContainer(n.tag):
			for _, c := range n.children {
				visit(c)
			}
		case n.tag == "invoke":
			calls = append(calls, p.invokeCall(n))
		default:
			calls = append(calls, p.inlineCall(n))
		}
	}
	for _, c := range root.children {
		visit(c)
	}

	dropped := 0
	if p.max > 0 && len(calls) > p.max {
		dropped = len(calls) - p.max
		calls = calls[:p.max]
		p.logger.Warn("tool call cap exceeded", "cap", p.max, "dropped", dropped)
	}
	return calls, dropped, nil
}

func transparentContainer(tag string) bool {
	return tag == "function_calls" || tag == "tools" || tag == parseWrapper
}

// invokeCall builds a call from the invoke format: the tool name comes
// from the name attribute, arguments from parameter children. Parameter
// values are the character data before any nested element, trimmed.
func (p *Parser) invokeCall(n *invocationNode) ToolCall {
	name, _ := attrValue(n, "name")
	kwargs := map[string]string{}
	for _, c := range n.children {
		if c.tag != "parameter" {
			continue
		}
		pname, ok := attrValue(c, "name")
		if !ok || pname == "" {
			continue
		}
		kwargs[pname] = strings.TrimSpace(c.leadText)
	}
	return ToolCall{Name: name, Kwargs: kwargs, Source: SourceXML}
}

// inlineCall builds a call from an inline tag: attributes and child
// elements become arguments (children win on collision), and bare
// character data binds to the tag schema's content parameter when one is
// declared. Unregistered tags still produce a call; the executor reports
// them as unknown.
func (p *Parser) inlineCall(n *invocationNode) ToolCall {
	kwargs := map[string]string{}
	for _, a := range n.attrs {
		kwargs[a.Name.Local] = a.Value
	}
	for _, c := range n.children {
		kwargs[c.tag] = c.leadText
	}

	if reg, ok := p.registry.ResolveTag(n.tag); ok && reg.Op.XML != nil {
		for _, m := range reg.Op.XML.Mappings {
			switch m.Node {
			case NodeAttribute:
				if v, ok := attrValue(n, m.Path); ok {
					renameParam(kwargs, m.Path, m.Param, v)
				}
			case NodeElement:
				for _, c := range n.children {
					if c.tag == m.Path {
						renameParam(kwargs, m.Path, m.Param, c.leadText)
					}
				}
			case NodeContent:
				text := strings.TrimSpace(n.fullText)
				if text == "" {
					continue
				}
				if _, exists := kwargs[m.Param]; !exists {
					kwargs[m.Param] = text
				}
			}
		}
	}
	return ToolCall{Name: n.tag, Kwargs: kwargs, Source: SourceXML}
}

// renameParam remaps a raw attribute or element value onto the schema's
// parameter name when the two differ.
func renameParam(kwargs map[string]string, path, param, value string) {
	if param == path {
		return
	}
	kwargs[param] = value
	delete(kwargs, path)
}

// --- markup tree ---

// invocationNode is one element of parsed tool markup. leadText is the
// character data before the first child element, matching how parameter
// values are read; fullText is all character data in the element.
type invocationNode struct {
	tag      string
	attrs    []xml.Attr
	leadText string
	fullText string
	children []*invocationNode
}

func attrValue(n *invocationNode, name string) (string, bool) {
	for _, a := range n.attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// parseInvocationTree parses content wrapped in the synthetic root and
// returns that root. The decoder runs strict, so unbalanced tags and
// undefined entities fail the whole parse.
func parseInvocationTree(content string) (*invocationNode, error) {
	dec := xml.NewDecoder(strings.NewReader("<" + parseWrapper + ">" + content + "</" + parseWrapper + ">"))

	var root *invocationNode
	var stack []*invocationNode
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &invocationNode{tag: t.Name.Local}
			n.attrs = append(n.attrs, t.Attr...)
			if len(stack) == 0 {
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			}
			stack = append(stack, n)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) == 0 {
				continue
			}
			parent := stack[len(stack)-1]
			s := string(t)
			parent.fullText += s
			if len(parent.children) == 0 {
				parent.leadText += s
			}
		}
	}
	if root == nil || len(stack) != 0 {
		return nil, fmt.Errorf("unbalanced markup")
	}
	return root, nil
}
