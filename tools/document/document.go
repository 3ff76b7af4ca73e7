// Package document turns markdown into styled PDFs inside the sandbox
// and extracts text back out of PDFs the agent downloads or produces.
// Generation renders markdown to HTML with goldmark, uploads the page,
// and runs the sandbox's weasyprint to lay it out; parsing reads the
// PDF bytes host-side with a pure-Go extractor.
package document

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"path"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	strand "github.com/strandhq/strand"
	"github.com/strandhq/strand/sandbox"
)

const (
	// documentsDir is where generated documents land, workspace-relative.
	documentsDir = "docs"

	// convertTimeout bounds the in-sandbox HTML to PDF conversion.
	convertTimeout = 120 * time.Second

	// maxDocRunes caps parsed text put in front of the model; the rest
	// stays reachable through expand_message.
	maxDocRunes = 50000
)

// pageTemplate wraps rendered markdown in a printable page. weasyprint
// honors the @page rule for margins.
const pageTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>%s</title>
<style>
@page { size: A4; margin: 2.2cm; }
body { font-family: Helvetica, Arial, sans-serif; font-size: 11pt; line-height: 1.5; color: #1a1a1a; }
h1 { font-size: 20pt; border-bottom: 1px solid #ccc; padding-bottom: 6px; }
h2 { font-size: 15pt; margin-top: 1.4em; }
h3 { font-size: 12pt; }
code { font-family: "Courier New", monospace; background: #f4f4f4; padding: 1px 4px; border-radius: 3px; font-size: 9.5pt; }
pre { background: #f4f4f4; padding: 10px; border-radius: 4px; overflow-x: auto; }
pre code { background: none; padding: 0; }
table { border-collapse: collapse; width: 100%%; margin: 1em 0; }
th, td { border: 1px solid #bbb; padding: 5px 8px; text-align: left; }
th { background: #eee; }
blockquote { border-left: 3px solid #bbb; margin-left: 0; padding-left: 12px; color: #555; }
</style>
</head>
<body>
%s
</body>
</html>
`

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

type Tool struct {
	projectID string
	sandboxes sandbox.Provider
}

func New(projectID string, sandboxes sandbox.Provider) *Tool {
	return &Tool{projectID: projectID, sandboxes: sandboxes}
}

func (t *Tool) Operations() []strand.Operation {
	return []strand.Operation{
		{
			Name: "generate_document",
			Description: "Render markdown into a styled PDF under docs/ in the workspace. " +
				"Returns the PDF path; the intermediate HTML is kept next to it.",
			Timeout: 3 * time.Minute,
			Structured: &strand.StructuredSchema{
				Parameters: json.RawMessage(`{"type":"object","properties":{"file_name":{"type":"string","description":"Output name, with or without .pdf"},"content":{"type":"string","description":"Markdown source of the document"},"title":{"type":"string","description":"Document title, defaults to the file name"}},"required":["file_name","content"]}`),
			},
			XML: &strand.XMLSchema{
				TagName: "generate-document",
				Mappings: []strand.ParamMapping{
					{Param: "file_name", Node: strand.NodeAttribute, Path: "file_name"},
					{Param: "title", Node: strand.NodeAttribute, Path: "title"},
					{Param: "content", Node: strand.NodeContent},
				},
				Example: "<generate-document file_name=\"q3-report\" title=\"Q3 Report\">\n# Summary\n\nRevenue grew 14%.\n</generate-document>",
			},
		},
		{
			Name: "parse_document",
			Description: "Extract the text of a PDF in the workspace. For plain text files " +
				"use the shell instead.",
			Structured: &strand.StructuredSchema{
				Parameters: json.RawMessage(`{"type":"object","properties":{"file_path":{"type":"string","description":"Workspace-relative path of the PDF"}},"required":["file_path"]}`),
			},
			XML: &strand.XMLSchema{
				TagName: "parse-document",
				Mappings: []strand.ParamMapping{
					{Param: "file_path", Node: strand.NodeAttribute, Path: "file_path"},
				},
				Example: `<parse-document file_path="docs/q3-report.pdf"></parse-document>`,
			},
		},
	}
}

func (t *Tool) Execute(ctx context.Context, op string, kwargs map[string]string) (strand.ToolResult, error) {
	switch op {
	case "generate_document":
		return t.generate(ctx, kwargs)
	case "parse_document":
		return t.parse(ctx, kwargs)
	}
	return strand.Failf("unknown operation: %s", op), nil
}

func (t *Tool) generate(ctx context.Context, kwargs map[string]string) (strand.ToolResult, error) {
	name := baseName(kwargs["file_name"])
	if name == "" {
		return strand.Failf("file_name is required"), nil
	}
	content := kwargs["content"]
	if strings.TrimSpace(content) == "" {
		return strand.Failf("content is required"), nil
	}
	title := kwargs["title"]
	if title == "" {
		title = name
	}

	var body bytes.Buffer
	if err := markdown.Convert([]byte(content), &body); err != nil {
		return strand.Failf("render markdown: %v", err), nil
	}
	page := fmt.Sprintf(pageTemplate, html.EscapeString(title), body.String())

	htmlRel := path.Join(documentsDir, name+".html")
	pdfRel := path.Join(documentsDir, name+".pdf")
	htmlAbs := sandbox.CleanPath(htmlRel)
	pdfAbs := sandbox.CleanPath(pdfRel)

	h, err := t.sandboxes.Ensure(ctx, t.projectID)
	if err != nil {
		return strand.Failf("sandbox unavailable: %v", err), nil
	}
	if err := h.Upload(ctx, htmlAbs, []byte(page)); err != nil {
		return strand.Failf("write %s: %v", htmlRel, err), nil
	}

	cmd := "weasyprint " + sandbox.ShellQuote(htmlAbs) + " " + sandbox.ShellQuote(pdfAbs)
	res, err := h.Exec(ctx, cmd, sandbox.WorkspaceDir, convertTimeout)
	if err != nil {
		return strand.Failf("convert to pdf: %v", err), nil
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return strand.Failf("pdf conversion exited with status %d:\n%s", res.ExitCode, msg), nil
	}

	// weasyprint can exit zero and still write nothing on some input.
	exists, err := h.Exists(ctx, pdfAbs)
	if err != nil {
		return strand.Failf("check %s: %v", pdfRel, err), nil
	}
	if !exists {
		return strand.Failf("pdf conversion produced no output at %s", pdfRel), nil
	}
	return strand.OK(fmt.Sprintf("Generated document '%s' (HTML source '%s').", pdfRel, htmlRel)), nil
}

func (t *Tool) parse(ctx context.Context, kwargs map[string]string) (strand.ToolResult, error) {
	rel := strings.TrimSpace(kwargs["file_path"])
	if rel == "" {
		return strand.Failf("file_path is required"), nil
	}
	if strings.ToLower(path.Ext(rel)) != ".pdf" {
		return strand.Failf("parse_document reads PDFs; open %s with the shell or files tools instead", rel), nil
	}

	h, err := t.sandboxes.Ensure(ctx, t.projectID)
	if err != nil {
		return strand.Failf("sandbox unavailable: %v", err), nil
	}
	data, err := h.Read(ctx, sandbox.CleanPath(rel))
	if errors.Is(err, sandbox.ErrNotFound) {
		return strand.Failf("file %s does not exist", rel), nil
	}
	if err != nil {
		return strand.Failf("read %s: %v", rel, err), nil
	}

	text, err := extractPDFText(data)
	if err != nil {
		return strand.Failf("parse %s: %v", rel, err), nil
	}
	if text == "" {
		return strand.Failf("no extractable text in %s; it may be scanned images", rel), nil
	}
	if truncated := strand.Truncate(text, maxDocRunes); len(truncated) < len(text) {
		text = truncated + "\n... (content truncated)"
	}
	return strand.OK(text), nil
}

// extractPDFText walks the document page by page, skipping pages the
// parser cannot read.
func extractPDFText(content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("empty pdf")
	}
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	return strings.TrimSpace(text.String()), nil
}

// baseName reduces a model-supplied output name to a bare file stem.
func baseName(raw string) string {
	name := path.Base(strings.TrimSpace(raw))
	name = strings.TrimSuffix(name, ".pdf")
	name = strings.TrimSuffix(name, ".html")
	if name == "." || name == "/" {
		return ""
	}
	return name
}
