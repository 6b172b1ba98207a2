// Package streamparser turns a raw, possibly-fragmented byte stream of
// concatenated brace-delimited JSON records — interleaved with arbitrary
// non-record noise such as log lines — into an ordered sequence of typed
// Records.
package streamparser

import (
	"bytes"
	"encoding/json"

	"github.com/cuemby/agentpool/pkg/log"
	"github.com/cuemby/agentpool/pkg/types"
)

// Parser is fed arbitrary byte chunks and emits fully-decoded Records
// through a callback as soon as each record's braces balance. It never
// blocks and never emits a record more than once; a decode failure on one
// record does not affect subsequent records.
type Parser struct {
	buf          []byte
	insideRecord bool
	depth        int
	scanCursor   int
	// inString and escaped carry the scanner's position inside a JSON
	// string across Feed calls, so a quoted brace split across chunks
	// never counts toward depth.
	inString bool
	escaped  bool
}

// New returns an empty Parser.
func New() *Parser {
	return &Parser{}
}

// Feed appends chunk to the rolling buffer and emits every record that
// becomes fully balanced, in order, via onRecord. feed(a); feed(b) behaves
// identically to one feed(a++b) call for any split point, including splits
// in the middle of a record or inside the noise preceding one.
func (p *Parser) Feed(chunk []byte, onRecord func(types.Record)) {
	p.buf = append(p.buf, chunk...)

	for {
		if !p.insideRecord {
			idx := bytes.IndexByte(p.buf, '{')
			if idx < 0 {
				// No opener anywhere in the buffer: nothing to keep.
				p.buf = p.buf[:0]
				p.scanCursor = 0
				return
			}
			// Discard noise preceding the opener.
			p.buf = p.buf[idx:]
			p.insideRecord = true
			p.depth = 0
			p.scanCursor = 0
		}

		closed, end := p.scanForClose()
		if !closed {
			// Buffer exhausted without balancing; resume scanning from
			// here next time instead of rescanning bytes already seen.
			p.scanCursor = len(p.buf)
			return
		}

		record := p.buf[:end]
		p.buf = p.buf[end:]
		p.insideRecord = false
		p.depth = 0
		p.scanCursor = 0

		if rec, ok := decode(record); ok {
			onRecord(rec)
		}
		// Decode failures are silently discarded (§7 DecodeError: never
		// surfaced) and scanning continues with the remaining buffer.
	}
}

// scanForClose scans p.buf starting at p.scanCursor, counting brace depth,
// and reports whether depth returned to zero along with the exclusive end
// index of the closed record.
func (p *Parser) scanForClose() (bool, int) {
	for i := p.scanCursor; i < len(p.buf); i++ {
		c := p.buf[i]

		if p.inString {
			switch {
			case p.escaped:
				p.escaped = false
			case c == '\\':
				p.escaped = true
			case c == '"':
				p.inString = false
			}
			continue
		}

		switch c {
		case '"':
			p.inString = true
		case '{':
			p.depth++
		case '}':
			p.depth--
			if p.depth == 0 {
				return true, i + 1
			}
		}
	}
	return false, 0
}

// HasPending reports whether the buffer currently holds an unterminated
// record. Noise outside a record is discarded as soon as it is fed.
func (p *Parser) HasPending() bool {
	return len(p.buf) > 0
}

// Reset clears all internal state, discarding any unterminated record.
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
	p.insideRecord = false
	p.depth = 0
	p.scanCursor = 0
	p.inString = false
	p.escaped = false
}

func decode(raw []byte) (types.Record, bool) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		log.WithComponent("streamparser").Debug().Err(err).Msg("discarding undecodable record")
		return types.Record{}, false
	}

	rec := types.Record{Raw: m}
	rec.Kind = classify(m)

	if rec.Kind == types.MessageResult {
		populateResult(&rec, m)
	}

	return rec, true
}

// classify returns the effective message kind. A `message` envelope with
// an inner `type` yields that inner type.
func classify(m map[string]any) types.MessageKind {
	if inner, ok := m["message"].(map[string]any); ok {
		if t, ok := inner["type"].(string); ok {
			return types.MessageKind(t)
		}
	}
	if t, ok := m["type"].(string); ok {
		return types.MessageKind(t)
	}
	return types.MessageSystem
}

func populateResult(rec *types.Record, m map[string]any) {
	if s, ok := m["subtype"].(string); ok {
		rec.Subtype = types.ResultSubtype(s)
	}
	if r, ok := m["result"].(string); ok {
		rec.Result = &r
	}
	if d, ok := numeric(m["duration_ms"]); ok {
		rec.DurationMs = int64(d)
	}
	if s, ok := m["session_id"].(string); ok {
		rec.SessionID = s
	}

	usage, ok := m["usage"].(map[string]any)
	if !ok {
		return
	}
	rec.Usage.InputTokens = intField(usage, "input_tokens", "inputTokens")
	rec.Usage.OutputTokens = intField(usage, "output_tokens", "outputTokens")
}

// intField tolerates both snake_case and camelCase field variants.
func intField(m map[string]any, snake, camel string) int {
	if v, ok := numeric(m[snake]); ok {
		return int(v)
	}
	if v, ok := numeric(m[camel]); ok {
		return int(v)
	}
	return 0
}

func numeric(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}
