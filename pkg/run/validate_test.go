package run

import (
	"strings"
	"testing"

	"github.com/oy-ilho/jupyterlab-codex/pkg/attachment"
)

func TestSanitizers(t *testing.T) {
	if m, ok := SanitizeModel("  gpt-5.1-codex:latest "); !ok || m != "gpt-5.1-codex:latest" {
		t.Errorf("SanitizeModel() = %q, %v", m, ok)
	}
	for _, bad := range []string{"", "-lead", "has space", "semi;colon", strings.Repeat("a", 129)} {
		if _, ok := SanitizeModel(bad); ok {
			t.Errorf("SanitizeModel(%q) accepted", bad)
		}
	}
	if e, ok := SanitizeReasoningEffort(" HIGH "); !ok || e != "high" {
		t.Errorf("SanitizeReasoningEffort() = %q, %v", e, ok)
	}
	if _, ok := SanitizeReasoningEffort("x y"); ok {
		t.Error("SanitizeReasoningEffort accepted whitespace")
	}
	if s, ok := SanitizeSandbox("Workspace-Write"); !ok || s != "workspace-write" {
		t.Errorf("SanitizeSandbox() = %q, %v", s, ok)
	}
	if _, ok := SanitizeSandbox("full"); ok {
		t.Error("SanitizeSandbox accepted an unknown mode")
	}
}

func TestValidateContent(t *testing.T) {
	if _, err := validate(Request{Content: ""}); err == nil || err.Error() != "Empty content" {
		t.Errorf("validate(empty) error = %v", err)
	}
	if _, err := validate(Request{Content: " \n\t"}); err != nil {
		t.Errorf("validate(whitespace) error = %v", err)
	}
	images := EncodeImages([]attachment.Image{{Name: "a.gif", DataURL: "data:image/gif;base64,R0lGODlh"}})
	if _, err := validate(Request{Images: images}); err != nil {
		t.Errorf("validate(images only) error = %v", err)
	}
}

func TestValidateNormalizesFields(t *testing.T) {
	v, err := validate(Request{
		Content:         "q",
		Model:           " o3 ",
		ReasoningEffort: "Medium",
		Sandbox:         "READ-ONLY",
		Images:          EncodeImages([]attachment.Image{{Name: "a.gif", DataURL: "data:image/gif;base64,R0lGODlh"}}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if v.model != "o3" || v.effort != "medium" || v.sandbox != "read-only" {
		t.Errorf("validate() = %+v", v)
	}
	if len(v.images) != 1 || v.images[0].MIME != "image/gif" {
		t.Errorf("images = %+v", v.images)
	}
}

func TestClassifiers(t *testing.T) {
	if !isAuthFailure("HTTP 401 Unauthorized: api.openai.com") || isAuthFailure("401 unauthorized") || isAuthFailure("") {
		t.Error("isAuthFailure misclassified")
	}
	in := "keep me\nWARN codex_core::rollout::list: State DB returned stale rollout path for thread 42\nand me\n"
	if got := stripNoisyStderr(in); got != "keep me\nand me\n" {
		t.Errorf("stripNoisyStderr() = %q", got)
	}
	if systemText("  boom \n") != "boom" || systemText("x suppress_unstable_features_warning y") != "" {
		t.Error("systemText misbehaved")
	}
	if got := notFoundMessage("", ""); !strings.HasPrefix(got, "Cannot find executable 'codex'. Run `which codex`") {
		t.Errorf("notFoundMessage() = %q", got)
	}
}
