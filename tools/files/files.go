// Package files edits files in the project sandbox workspace: create,
// rewrite, targeted string replacement, and deletion. Paths are
// workspace-relative; lockfiles, VCS internals, and binary assets are
// off-limits.
package files

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	strand "github.com/strandhq/strand"
	"github.com/strandhq/strand/sandbox"
)

// Generated and binary artifacts the model must not edit directly.
var (
	excludedNames = map[string]bool{
		"package-lock.json": true,
		"yarn.lock":         true,
		"pnpm-lock.yaml":    true,
		"composer.lock":     true,
		"Cargo.lock":        true,
		".DS_Store":         true,
	}
	excludedDirs = map[string]bool{
		"node_modules": true,
		".git":         true,
		".next":        true,
		"dist":         true,
		"build":        true,
		"__pycache__":  true,
		"venv":         true,
	}
	excludedExts = map[string]bool{
		".zip": true, ".tar": true, ".gz": true, ".7z": true,
		".exe": true, ".bin": true, ".so": true, ".dylib": true,
		".db": true, ".sqlite": true,
	}
)

// shouldExclude reports whether the workspace-relative path is one the
// tool refuses to touch.
func shouldExclude(rel string) bool {
	if excludedNames[path.Base(rel)] || excludedExts[strings.ToLower(path.Ext(rel))] {
		return true
	}
	for _, part := range strings.Split(path.Dir(rel), "/") {
		if excludedDirs[part] {
			return true
		}
	}
	return false
}

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
			Name: "create_file",
			Description: "Create a new file with the given content. Fails if the file already " +
				"exists; parent directories are created as needed.",
			Structured: &strand.StructuredSchema{
				Parameters: json.RawMessage(`{"type":"object","properties":{"file_path":{"type":"string","description":"Workspace-relative path"},"file_contents":{"type":"string","description":"Full content of the new file"},"permissions":{"type":"string","description":"Octal mode, default 644"}},"required":["file_path","file_contents"]}`),
			},
			XML: &strand.XMLSchema{
				TagName: "create-file",
				Mappings: []strand.ParamMapping{
					{Param: "file_path", Node: strand.NodeAttribute, Path: "file_path"},
					{Param: "permissions", Node: strand.NodeAttribute, Path: "permissions"},
					{Param: "file_contents", Node: strand.NodeContent},
				},
				Example: "<create-file file_path=\"src/main.py\">\nprint(\"hello\")\n</create-file>",
			},
		},
		{
			Name: "full_file_rewrite",
			Description: "Replace the entire content of an existing file. Use when edits are " +
				"too extensive for str_replace.",
			Structured: &strand.StructuredSchema{
				Parameters: json.RawMessage(`{"type":"object","properties":{"file_path":{"type":"string","description":"Workspace-relative path"},"file_contents":{"type":"string","description":"New full content"},"permissions":{"type":"string","description":"Octal mode, default 644"}},"required":["file_path","file_contents"]}`),
			},
			XML: &strand.XMLSchema{
				TagName: "full-file-rewrite",
				Mappings: []strand.ParamMapping{
					{Param: "file_path", Node: strand.NodeAttribute, Path: "file_path"},
					{Param: "permissions", Node: strand.NodeAttribute, Path: "permissions"},
					{Param: "file_contents", Node: strand.NodeContent},
				},
				Example: "<full-file-rewrite file_path=\"src/main.py\">\nprint(\"updated\")\n</full-file-rewrite>",
			},
		},
		{
			Name: "str_replace",
			Description: "Replace one unique occurrence of a string in a file. The old string " +
				"must match exactly once, including whitespace.",
			Structured: &strand.StructuredSchema{
				Parameters: json.RawMessage(`{"type":"object","properties":{"file_path":{"type":"string","description":"Workspace-relative path"},"old_str":{"type":"string","description":"Text to replace (must be unique)"},"new_str":{"type":"string","description":"Replacement text"}},"required":["file_path","old_str","new_str"]}`),
			},
			XML: &strand.XMLSchema{
				TagName: "str-replace",
				Mappings: []strand.ParamMapping{
					{Param: "file_path", Node: strand.NodeAttribute, Path: "file_path"},
					{Param: "old_str", Node: strand.NodeElement, Path: "old_str"},
					{Param: "new_str", Node: strand.NodeElement, Path: "new_str"},
				},
				Example: "<str-replace file_path=\"src/main.py\">\n<old_str>print(\"hello\")</old_str>\n<new_str>print(\"goodbye\")</new_str>\n</str-replace>",
			},
		},
		{
			Name:        "delete_file",
			Description: "Delete a file from the workspace.",
			Structured: &strand.StructuredSchema{
				Parameters: json.RawMessage(`{"type":"object","properties":{"file_path":{"type":"string","description":"Workspace-relative path"}},"required":["file_path"]}`),
			},
			XML: &strand.XMLSchema{
				TagName: "delete-file",
				Mappings: []strand.ParamMapping{
					{Param: "file_path", Node: strand.NodeAttribute, Path: "file_path"},
				},
				Example: `<delete-file file_path="src/scratch.py"></delete-file>`,
			},
		},
	}
}

func (t *Tool) Execute(ctx context.Context, op string, kwargs map[string]string) (strand.ToolResult, error) {
	rel := strings.TrimSpace(kwargs["file_path"])
	if rel == "" {
		return strand.Failf("file_path is required"), nil
	}
	if shouldExclude(rel) {
		return strand.Failf("file %s cannot be edited: lockfiles, VCS internals, and binary artifacts are managed by their own tooling", rel), nil
	}
	p := sandbox.CleanPath(rel)

	h, err := t.sandboxes.Ensure(ctx, t.projectID)
	if err != nil {
		return strand.Failf("sandbox unavailable: %v", err), nil
	}

	switch op {
	case "create_file":
		return t.createFile(ctx, h, rel, p, kwargs, false)
	case "full_file_rewrite":
		return t.createFile(ctx, h, rel, p, kwargs, true)
	case "str_replace":
		return t.strReplace(ctx, h, rel, p, kwargs)
	case "delete_file":
		return t.deleteFile(ctx, h, rel, p)
	}
	return strand.Failf("unknown operation: %s", op), nil
}

func (t *Tool) createFile(ctx context.Context, h sandbox.Handle, rel, p string, kwargs map[string]string, rewrite bool) (strand.ToolResult, error) {
	exists, err := h.Exists(ctx, p)
	if err != nil {
		return strand.Failf("check %s: %v", rel, err), nil
	}
	if rewrite && !exists {
		return strand.Failf("file %s does not exist; use create_file to create it", rel), nil
	}
	if !rewrite && exists {
		return strand.Failf("file %s already exists; use full_file_rewrite or str_replace to modify it", rel), nil
	}

	if err := h.Upload(ctx, p, []byte(kwargs["file_contents"])); err != nil {
		return strand.Failf("write %s: %v", rel, err), nil
	}
	mode := kwargs["permissions"]
	if mode == "" {
		mode = "644"
	}
	if err := h.Chmod(ctx, p, mode); err != nil {
		return strand.Failf("chmod %s: %v", rel, err), nil
	}

	if rewrite {
		return strand.OK(fmt.Sprintf("File %s rewritten successfully.", rel)), nil
	}
	return strand.OK(fmt.Sprintf("File %s created successfully.", rel)), nil
}

func (t *Tool) strReplace(ctx context.Context, h sandbox.Handle, rel, p string, kwargs map[string]string) (strand.ToolResult, error) {
	oldStr, newStr := kwargs["old_str"], kwargs["new_str"]
	if oldStr == "" {
		return strand.Failf("old_str is required"), nil
	}

	data, err := h.Read(ctx, p)
	if errors.Is(err, sandbox.ErrNotFound) {
		return strand.Failf("file %s does not exist", rel), nil
	}
	if err != nil {
		return strand.Failf("read %s: %v", rel, err), nil
	}

	content := string(data)
	switch n := strings.Count(content, oldStr); {
	case n == 0:
		return strand.Failf("string not found in %s", rel), nil
	case n > 1:
		return strand.Failf("string appears %d times in %s; include more context to make it unique", n, rel), nil
	}

	updated := strings.Replace(content, oldStr, newStr, 1)
	if err := h.Upload(ctx, p, []byte(updated)); err != nil {
		return strand.Failf("write %s: %v", rel, err), nil
	}
	return strand.OK(fmt.Sprintf("Replacement made in %s.", rel)), nil
}

func (t *Tool) deleteFile(ctx context.Context, h sandbox.Handle, rel, p string) (strand.ToolResult, error) {
	exists, err := h.Exists(ctx, p)
	if err != nil {
		return strand.Failf("check %s: %v", rel, err), nil
	}
	if !exists {
		return strand.Failf("file %s does not exist", rel), nil
	}
	res, err := h.Exec(ctx, "rm -f "+sandbox.ShellQuote(p), sandbox.WorkspaceDir, 0)
	if err != nil {
		return strand.Failf("delete %s: %v", rel, err), nil
	}
	if rerr := res.Err(); rerr != nil {
		return strand.Failf("delete %s: %v", rel, rerr), nil
	}
	return strand.OK(fmt.Sprintf("File %s deleted successfully.", rel)), nil
}
