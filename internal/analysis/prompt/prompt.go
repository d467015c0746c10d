// Package prompt holds the map and reduce prompt templates of each job kind.
package prompt

import (
	"fmt"
	"strings"

	"github.com/vietddude/chatdigest/internal/core/domain"
)

// Placeholder is replaced by the run's custom prompt payload.
const Placeholder = "{prompt}"

// Set is the prompt family of one job kind.
type Set struct {
	MapSystem    string
	MapUser      string
	ReduceSystem string
	ReduceUser   string
}

var sets = map[domain.JobKind]Set{
	domain.JobTopics: {
		MapSystem: "You analyze chat history and extract the main discussion topics. " +
			"Answer with JSON only.",
		MapUser: "Identify the top recurring topics in the messages below. " +
			`Return a JSON array of objects {"topic": string, "count_hint": number, "examples": [string]}.`,
		ReduceSystem: "You merge partial topic lists extracted from consecutive parts of one chat history. " +
			"Answer with JSON only.",
		ReduceUser: "Merge the partial topic lists below into one list of at most 10 topics. " +
			"Combine duplicates, sum count_hint, keep the best examples. Return a JSON array in the same shape.",
	},
	domain.JobStyle: {
		MapSystem: "You analyze the writing style of chat messages. Answer with JSON only.",
		MapUser: "Describe the writing style of the messages below. " +
			`Return a JSON object {"tone": string, "emoji_use": string, "avg_length": string, "vocabulary": string, "notes": [string]}.`,
		ReduceSystem: "You merge partial writing style profiles of one author. Answer with JSON only.",
		ReduceUser: "Merge the partial style profiles below into one profile with the same fields. " +
			"Resolve disagreements by the majority of profiles.",
	},
	domain.JobCustom: {
		MapSystem: "You analyze chat history to answer a question. Answer with JSON only.",
		MapUser: "Question: {prompt}\n\n" +
			`Answer for the messages below. Return a JSON object {"answer": string, "evidence": [string]}.`,
		ReduceSystem: "You merge partial answers computed over consecutive parts of one chat history. " +
			"Answer with JSON only.",
		ReduceUser: "Question: {prompt}\n\n" +
			`Merge the partial answers below into one. Return a JSON object {"answer": string, "evidence": [string]}.`,
	},
}

// ForJob returns the prompt set of a job kind. A non-empty system
// instruction replaces both system templates.
func ForJob(job domain.JobKind, systemInstruction string) (Set, error) {
	set, ok := sets[job]
	if !ok {
		return Set{}, fmt.Errorf("unknown job kind %q", job)
	}
	if systemInstruction != "" {
		set.MapSystem = systemInstruction
		set.ReduceSystem = systemInstruction
	}
	return set, nil
}

// Render substitutes the custom payload for the placeholder.
func Render(template, custom string) string {
	return strings.ReplaceAll(template, Placeholder, custom)
}

// Post templates turn a finished topics run and a finished style run into
// one channel post. {topics} and {style} receive the two final artifacts.
const (
	PostSystem = "You write Telegram channel posts. You imitate the author's style " +
		"closely and never mention that the post was generated."
	PostUser = "Topics the audience discusses most:\n{topics}\n\n" +
		"Writing style of the author:\n{style}\n\n" +
		"Write one original post on the most promising topic in that style. " +
		"Answer with the post text only."
)

// RenderPost fills the post template.
func RenderPost(topics, style string) string {
	return strings.NewReplacer("{topics}", topics, "{style}", style).Replace(PostUser)
}
