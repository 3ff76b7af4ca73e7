package message

import (
	"context"
	"strings"
	"testing"
)

func TestOperations_Terminators(t *testing.T) {
	ops := New().Operations()
	tags := map[string]string{}
	for _, op := range ops {
		if op.XML == nil {
			t.Fatalf("operation %s has no XML schema", op.Name)
		}
		if op.Structured != nil {
			t.Errorf("operation %s should be XML-only", op.Name)
		}
		tags[op.Name] = op.XML.TagName
	}
	want := map[string]string{
		"ask":                  "ask",
		"complete":             "complete",
		"web_browser_takeover": "web-browser-takeover",
	}
	for name, tag := range want {
		if tags[name] != tag {
			t.Errorf("operation %s: expected tag %q, got %q", name, tag, tags[name])
		}
	}
}

func TestExecute_EchoesText(t *testing.T) {
	tool := New()
	for _, op := range []string{"ask", "complete", "web_browser_takeover"} {
		res, err := tool.Execute(context.Background(), op, map[string]string{"text": "done with the report"})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", op, err)
		}
		if !res.Success || res.Output != "done with the report" {
			t.Errorf("%s: expected echoed text, got success=%v output=%q", op, res.Success, res.Output)
		}
	}
}

func TestExecute_UnknownOperation(t *testing.T) {
	res, _ := New().Execute(context.Background(), "finish", nil)
	if res.Success || !strings.Contains(res.Output, "unknown operation") {
		t.Errorf("expected unknown operation, got %q", res.Output)
	}
}
