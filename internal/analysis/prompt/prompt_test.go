package prompt

import (
	"strings"
	"testing"

	"github.com/vietddude/chatdigest/internal/core/domain"
)

func TestForJob(t *testing.T) {
	for _, job := range []domain.JobKind{domain.JobTopics, domain.JobStyle, domain.JobCustom} {
		set, err := ForJob(job, "")
		if err != nil {
			t.Fatalf("ForJob(%s) failed: %v", job, err)
		}
		if set.MapSystem == "" || set.MapUser == "" || set.ReduceSystem == "" || set.ReduceUser == "" {
			t.Errorf("ForJob(%s) has empty templates: %+v", job, set)
		}
	}

	if _, err := ForJob("poetry", ""); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestForJob_SystemOverride(t *testing.T) {
	set, _ := ForJob(domain.JobTopics, "Be terse.")
	if set.MapSystem != "Be terse." || set.ReduceSystem != "Be terse." {
		t.Errorf("system override not applied: %+v", set)
	}
}

func TestRender(t *testing.T) {
	set, _ := ForJob(domain.JobCustom, "")
	got := Render(set.MapUser, "Who mentions Go most?")
	if !strings.HasPrefix(got, "Question: Who mentions Go most?") {
		t.Errorf("Render = %q", got)
	}
	if strings.Contains(got, Placeholder) {
		t.Errorf("placeholder left in %q", got)
	}

	// Templates without a placeholder are unchanged.
	if got := Render("static", "x"); got != "static" {
		t.Errorf("Render(static) = %q", got)
	}
}

func TestRenderPost(t *testing.T) {
	got := RenderPost(`["Go"]`, `{"tone":"dry"}`)
	if !strings.Contains(got, `["Go"]`) || !strings.Contains(got, `{"tone":"dry"}`) {
		t.Errorf("RenderPost = %q", got)
	}
	if strings.Contains(got, "{topics}") || strings.Contains(got, "{style}") {
		t.Errorf("placeholders left in %q", got)
	}
}
