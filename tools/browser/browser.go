// Package browser drives the Chrome automation API that runs inside
// every sandbox. Calls go through an in-container curl to localhost:8003,
// so the browser session, its cookies, and its logins never leave the
// sandbox. Each action persists a browser_state record with the page
// snapshot; the context builder surfaces it to the model on the next
// turn.
package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	strand "github.com/strandhq/strand"
	"github.com/strandhq/strand/sandbox"
)

const (
	// automationURL is the in-container address of the automation API.
	automationURL = "http://localhost:8003/api/automation/"

	// callTimeout bounds one automation request inside the sandbox.
	callTimeout = 30 * time.Second
)

// ScreenshotStore re-homes page screenshots out of the message store.
// SaveScreenshot persists the PNG and returns a URL the frontend can
// load. A nil store keeps screenshots inline as base64.
type ScreenshotStore interface {
	SaveScreenshot(ctx context.Context, threadID string, png []byte) (string, error)
}

type Tool struct {
	projectID string
	threadID  string
	sandboxes sandbox.Provider
	store     strand.Store
	shots     ScreenshotStore
	guard     *strand.Guard
}

// New creates the browser tool for one thread. shots may be nil.
func New(projectID, threadID string, sandboxes sandbox.Provider, store strand.Store, shots ScreenshotStore) *Tool {
	return &Tool{
		projectID: projectID,
		threadID:  threadID,
		sandboxes: sandboxes,
		store:     store,
		shots:     shots,
		guard:     strand.NewGuard(),
	}
}

func (t *Tool) Operations() []strand.Operation {
	return []strand.Operation{
		{
			Name:        "browser_navigate_to",
			Description: "Open a URL in the sandbox browser.",
			Timeout:     2 * time.Minute,
			Structured: &strand.StructuredSchema{
				Parameters: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"Full URL to open"}},"required":["url"]}`),
			},
			XML: &strand.XMLSchema{
				TagName: "browser-navigate-to",
				Mappings: []strand.ParamMapping{
					{Param: "url", Node: strand.NodeContent},
				},
				Example: `<browser-navigate-to>https://example.com</browser-navigate-to>`,
			},
		},
		{
			Name: "browser_act",
			Description: "Perform an action on the current page described in plain language, " +
				"e.g. \"click the Sign in button\" or \"scroll down one page\".",
			Timeout: 2 * time.Minute,
			Structured: &strand.StructuredSchema{
				Parameters: json.RawMessage(`{"type":"object","properties":{"action":{"type":"string","description":"What to do on the page"}},"required":["action"]}`),
			},
			XML: &strand.XMLSchema{
				TagName: "browser-act",
				Mappings: []strand.ParamMapping{
					{Param: "action", Node: strand.NodeContent},
				},
				Example: `<browser-act>click the "Download CSV" link</browser-act>`,
			},
		},
		{
			Name: "browser_extract_content",
			Description: "Extract content from the current page according to a goal, e.g. " +
				"\"all product names and prices\".",
			Timeout: 2 * time.Minute,
			Structured: &strand.StructuredSchema{
				Parameters: json.RawMessage(`{"type":"object","properties":{"goal":{"type":"string","description":"What to extract"}},"required":["goal"]}`),
			},
			XML: &strand.XMLSchema{
				TagName: "browser-extract-content",
				Mappings: []strand.ParamMapping{
					{Param: "goal", Node: strand.NodeContent},
				},
				Example: `<browser-extract-content>the article headline and author</browser-extract-content>`,
			},
		},
		{
			Name:        "browser_screenshot",
			Description: "Take a screenshot of the current page.",
			Timeout:     2 * time.Minute,
			Structured: &strand.StructuredSchema{
				Parameters: json.RawMessage(`{"type":"object","properties":{}}`),
			},
			XML: &strand.XMLSchema{
				TagName:  "browser-screenshot",
				Mappings: []strand.ParamMapping{},
				Example:  `<browser-screenshot></browser-screenshot>`,
			},
		},
	}
}

func (t *Tool) Execute(ctx context.Context, op string, kwargs map[string]string) (strand.ToolResult, error) {
	switch op {
	case "browser_navigate_to":
		url := strings.TrimSpace(kwargs["url"])
		if url == "" {
			return strand.Failf("url is required"), nil
		}
		return t.call(ctx, "navigate_to", map[string]any{"url": url})
	case "browser_act":
		action := strings.TrimSpace(kwargs["action"])
		if action == "" {
			return strand.Failf("action is required"), nil
		}
		return t.call(ctx, "act", map[string]any{"action": action})
	case "browser_extract_content":
		goal := strings.TrimSpace(kwargs["goal"])
		if goal == "" {
			return strand.Failf("goal is required"), nil
		}
		return t.call(ctx, "extract_content", map[string]any{"goal": goal})
	case "browser_screenshot":
		return t.call(ctx, "screenshot", nil)
	}
	return strand.Failf("unknown operation: %s", op), nil
}

// call posts one automation request, persists the resulting page state,
// and summarizes it for the model.
func (t *Tool) call(ctx context.Context, endpoint string, params map[string]any) (strand.ToolResult, error) {
	h, err := t.sandboxes.Ensure(ctx, t.projectID)
	if err != nil {
		return strand.Failf("sandbox unavailable: %v", err), nil
	}

	cmd := "curl -s -X POST " + sandbox.ShellQuote(automationURL+endpoint) +
		" -H " + sandbox.ShellQuote("Content-Type: application/json")
	if params != nil {
		body, err := json.Marshal(params)
		if err != nil {
			return strand.Failf("encode request: %v", err), nil
		}
		cmd += " -d " + sandbox.ShellQuote(string(body))
	}

	res, err := h.Exec(ctx, cmd, sandbox.WorkspaceDir, callTimeout)
	if err != nil {
		return strand.Failf("browser automation: %v", err), nil
	}
	if res.ExitCode != 0 {
		return strand.Failf("browser automation exited with status %d: %s",
			res.ExitCode, strings.TrimSpace(res.Stderr)), nil
	}

	// The automation service replies in UTF-8; bad bytes from a broken
	// page become replacement runes instead of failing the decode.
	stdout := strings.TrimSpace(strings.ToValidUTF8(res.Stdout, "�"))
	if stdout == "" {
		return strand.Failf("empty response from browser automation service"), nil
	}
	if !strings.HasPrefix(stdout, "{") || !strings.HasSuffix(stdout, "}") {
		return strand.Failf("browser automation returned non-JSON response: %.200s", stdout), nil
	}

	var state map[string]any
	if err := json.Unmarshal([]byte(stdout), &state); err != nil {
		return strand.Failf("decode browser response: %v", err), nil
	}

	t.rehomeScreenshot(ctx, state)

	msg, err := strand.NewMessage(t.threadID, strand.KindBrowserState, state, false)
	if err != nil {
		return strand.Failf("record browser state: %v", err), nil
	}
	if err := t.store.AddMessage(ctx, msg); err != nil {
		return strand.Failf("record browser state: %v", err), nil
	}

	summary := t.guard.Annotate(t.summarize(state))
	if ok, isBool := state["success"].(bool); isBool && !ok {
		return strand.Failf("%s", summary), nil
	}
	return strand.OK(summary), nil
}

// rehomeScreenshot swaps an inline base64 screenshot for a stored URL.
// Without a screenshot store the base64 stays in the state record. On a
// failed save the base64 also stays, so the snapshot is not lost.
func (t *Tool) rehomeScreenshot(ctx context.Context, state map[string]any) {
	b64, _ := state["screenshot_base64"].(string)
	if b64 == "" || t.shots == nil {
		return
	}
	png, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		state["screenshot_error"] = "invalid screenshot encoding: " + err.Error()
		delete(state, "screenshot_base64")
		return
	}
	url, err := t.shots.SaveScreenshot(ctx, t.threadID, png)
	if err != nil {
		state["screenshot_error"] = "save screenshot: " + err.Error()
		return
	}
	state["screenshot_url"] = url
	delete(state, "screenshot_base64")
}

// summarize reduces the page state to the lines the model acts on. The
// full state stays in the browser_state record.
func (t *Tool) summarize(state map[string]any) string {
	var b strings.Builder

	msg, _ := state["message"].(string)
	if msg == "" {
		msg = "Browser action completed successfully"
	}
	b.WriteString(msg)

	if url, _ := state["url"].(string); url != "" {
		fmt.Fprintf(&b, "\nURL: %s", url)
	}
	if title, _ := state["title"].(string); title != "" {
		fmt.Fprintf(&b, "\nTitle: %s", title)
	}
	if n, ok := state["element_count"].(float64); ok && n > 0 {
		fmt.Fprintf(&b, "\nInteractive elements: %d", int(n))
	}
	if px, ok := state["pixels_below"].(float64); ok && px > 0 {
		fmt.Fprintf(&b, "\nScrollable content below: %dpx", int(px))
	}
	if ocr, _ := state["ocr_text"].(string); ocr != "" {
		fmt.Fprintf(&b, "\nVisible text:\n%s", ocr)
	}
	return b.String()
}
