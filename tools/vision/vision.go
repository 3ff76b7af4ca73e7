// Package vision loads workspace images into the conversation so a
// multimodal model can look at them. The image itself travels out of
// band: the tool persists an image-context record and the context
// builder attaches the bytes to the next completion request.
package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	strand "github.com/strandhq/strand"
	"github.com/strandhq/strand/sandbox"
)

// maxImageBytes bounds what the tool will inline into a request.
const maxImageBytes = 10 * 1024 * 1024

var mimeByExt = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

type Tool struct {
	projectID string
	threadID  string
	sandboxes sandbox.Provider
	store     strand.Store
}

func New(projectID, threadID string, sandboxes sandbox.Provider, store strand.Store) *Tool {
	return &Tool{projectID: projectID, threadID: threadID, sandboxes: sandboxes, store: store}
}

func (t *Tool) Operations() []strand.Operation {
	return []strand.Operation{{
		Name: "see_image",
		Description: "Load an image file from the workspace so it is visible in the next " +
			"turn. Supports jpg, png, gif, and webp up to 10MB.",
		Structured: &strand.StructuredSchema{
			Parameters: json.RawMessage(`{"type":"object","properties":{"file_path":{"type":"string","description":"Workspace-relative path of the image"}},"required":["file_path"]}`),
		},
		XML: &strand.XMLSchema{
			TagName: "see-image",
			Mappings: []strand.ParamMapping{
				{Param: "file_path", Node: strand.NodeAttribute, Path: "file_path"},
			},
			Example: `<see-image file_path="screenshots/chart.png"></see-image>`,
		},
	}}
}

func (t *Tool) Execute(ctx context.Context, op string, kwargs map[string]string) (strand.ToolResult, error) {
	if op != "see_image" {
		return strand.Failf("unknown operation: %s", op), nil
	}
	rel := strings.TrimSpace(kwargs["file_path"])
	if rel == "" {
		return strand.Failf("file_path is required"), nil
	}
	mime, ok := mimeByExt[strings.ToLower(path.Ext(rel))]
	if !ok {
		return strand.Failf("unsupported image type %q: use jpg, png, gif, or webp", path.Ext(rel)), nil
	}

	h, err := t.sandboxes.Ensure(ctx, t.projectID)
	if err != nil {
		return strand.Failf("sandbox unavailable: %v", err), nil
	}
	data, err := h.Read(ctx, sandbox.CleanPath(rel))
	if errors.Is(err, sandbox.ErrNotFound) {
		return strand.Failf("image %s does not exist", rel), nil
	}
	if err != nil {
		return strand.Failf("read %s: %v", rel, err), nil
	}
	if len(data) > maxImageBytes {
		return strand.Failf("image %s is %d bytes; the limit is %d", rel, len(data), maxImageBytes), nil
	}

	msg, err := strand.NewMessage(t.threadID, strand.KindImageContext, strand.ImageContext{
		FilePath: rel,
		MimeType: mime,
		Base64:   base64.StdEncoding.EncodeToString(data),
	}, false)
	if err != nil {
		return strand.Failf("record image context: %v", err), nil
	}
	if err := t.store.AddMessage(ctx, msg); err != nil {
		return strand.Failf("record image context: %v", err), nil
	}
	return strand.OK(fmt.Sprintf("Successfully loaded the image '%s'.", rel)), nil
}
