package mock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/vietddude/chatdigest/internal/infra/llm/provider"
)

func TestCanned(t *testing.T) {
	tests := []struct {
		system string
		want   string
	}{
		{"You extract the main TOPICS of a chat", topicsResponse},
		{"Describe the writing style", styleResponse},
		{"Answer the question", defaultResponse},
	}
	for _, tt := range tests {
		got := Canned(tt.system)
		if got != tt.want {
			t.Errorf("Canned(%q) = %q, want %q", tt.system, got, tt.want)
		}
		if !json.Valid([]byte(got)) {
			t.Errorf("Canned(%q) is not valid JSON", tt.system)
		}
	}
}

func TestCanned_Post(t *testing.T) {
	if got := Canned("You write Telegram channel posts in the author's style"); got != postResponse {
		t.Errorf("Canned = %q, want the post reply", got)
	}
}

func TestProvider_Scripted(t *testing.T) {
	boom := errors.New("boom")
	p := New("", func(call int, _ provider.Request) (string, error) {
		if call == 0 {
			return "", boom
		}
		return "ok", nil
	})

	if _, err := p.Generate(context.Background(), provider.Request{}); !errors.Is(err, boom) {
		t.Errorf("first call error = %v, want %v", err, boom)
	}
	res, err := p.Generate(context.Background(), provider.Request{Prompt: "x"})
	if err != nil || res.Text != "ok" {
		t.Errorf("second call = %q, %v", res.Text, err)
	}
	if p.Calls() != 2 {
		t.Errorf("Calls() = %d, want 2", p.Calls())
	}
	if p.Name() != "mock" {
		t.Errorf("Name() = %q, want mock", p.Name())
	}
}
