package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/cuemby/agentpool/pkg/wrapper"
)

// StubAgent stands in for the out-of-scope real in-container agent
// process (§1's Out of scope): it echoes the prompt back as one
// assistant record followed by a successful terminal result, so
// pkg/wrapper's protocol machinery can be exercised end to end without
// a real model backing it.
type StubAgent struct{}

func (StubAgent) Spawn(ctx context.Context, in wrapper.Input) (wrapper.Process, error) {
	pr, pw := io.Pipe()
	p := &stubProcess{reader: pr, done: make(chan struct{})}

	go p.run(pw, in)

	return p, nil
}

type stubProcess struct {
	reader *io.PipeReader
	done   chan struct{}

	paused  int32
	stopped int32
}

func (p *stubProcess) run(w *io.PipeWriter, in wrapper.Input) {
	defer w.Close()
	defer close(p.done)

	write := func(v map[string]any) {
		for atomic.LoadInt32(&p.paused) == 1 {
			time.Sleep(10 * time.Millisecond)
		}
		data, _ := json.Marshal(v)
		_, _ = w.Write(data)
	}

	write(map[string]any{
		"type":    "assistant",
		"content": fmt.Sprintf("echo: %s", in.Prompt),
	})

	if atomic.LoadInt32(&p.stopped) == 1 {
		write(map[string]any{
			"type":    "result",
			"subtype": "error",
			"result":  "stopped",
		})
		return
	}

	write(map[string]any{
		"type":    "result",
		"subtype": "success",
		"result":  fmt.Sprintf("echo: %s", in.Prompt),
		"usage":   map[string]any{"input_tokens": len(in.Prompt), "output_tokens": len(in.Prompt)},
	})
}

func (p *stubProcess) Output() io.Reader { return p.reader }

func (p *stubProcess) Wait() error {
	<-p.done
	return nil
}

func (p *stubProcess) Pause() error {
	atomic.StoreInt32(&p.paused, 1)
	return nil
}

func (p *stubProcess) Resume() error {
	atomic.StoreInt32(&p.paused, 0)
	return nil
}

func (p *stubProcess) Stop(ctx context.Context) error {
	atomic.StoreInt32(&p.stopped, 1)
	return nil
}
