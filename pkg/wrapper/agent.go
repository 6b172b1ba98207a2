package wrapper

import (
	"context"
	"io"
)

// Input is one turn's worth of work handed to the agent process: the
// prompt, any attachments, and per-turn overrides.
type Input struct {
	Prompt            string
	Attachments       []Attachment
	ExtraSystemPrompt string
	Model             string
	Priority          string
}

// Attachment is one file attached to a prompt.
type Attachment struct {
	Name string
	Path string
}

// Process is a running agent invocation. Its Output stream carries the
// concatenated structured records the wrapper parses with
// pkg/streamparser; Wait blocks until the process has exited.
type Process interface {
	Output() io.Reader
	Wait() error
	Pause() error
	Resume() error
	Stop(ctx context.Context) error
}

// Agent spawns the out-of-scope in-container agent process. The real
// implementation is a host-specific collaborator (§1's Out of scope);
// this interface is the contract the wrapper drives it through.
type Agent interface {
	Spawn(ctx context.Context, in Input) (Process, error)
}

func parseInput(raw map[string]any) Input {
	in := Input{}
	if p, ok := raw["prompt"].(string); ok {
		in.Prompt = p
	}
	if p, ok := raw["extra_system_prompt"].(string); ok {
		in.ExtraSystemPrompt = p
	}
	if m, ok := raw["model"].(string); ok {
		in.Model = m
	}
	if pr, ok := raw["priority"].(string); ok {
		in.Priority = pr
	}
	if atts, ok := raw["attachments"].([]any); ok {
		for _, a := range atts {
			m, ok := a.(map[string]any)
			if !ok {
				continue
			}
			att := Attachment{}
			if n, ok := m["name"].(string); ok {
				att.Name = n
			}
			if p, ok := m["path"].(string); ok {
				att.Path = p
			}
			in.Attachments = append(in.Attachments, att)
		}
	}
	return in
}
