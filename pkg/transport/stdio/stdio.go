// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

// Package stdio implements the line-delimited standard-I/O transport:
// one JSON-RPC envelope or batch per input line, one response envelope
// per output line. Sessions and authentication do not apply here; all
// logging goes through the zap logger, which the server routes to
// standard error in stdio mode so output stays parseable.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/caldera-labs/mcpd/pkg/engine"
	"github.com/caldera-labs/mcpd/pkg/logger"
	"github.com/caldera-labs/mcpd/pkg/protocol"
)

// maxLineBytes bounds a single input line at 10MB.
const maxLineBytes = 10 << 20

// Transport pumps envelopes between an input/output pair and the engine.
type Transport struct {
	engine *engine.Engine
	in     io.Reader
	out    io.Writer

	mu sync.Mutex
}

// New builds a stdio transport over the given reader and writer, normally
// os.Stdin and os.Stdout.
func New(eng *engine.Engine, in io.Reader, out io.Writer) *Transport {
	return &Transport{engine: eng, in: in, out: out}
}

// Run reads lines until EOF or context cancellation, dispatching each to
// the engine. It returns nil on clean EOF.
func (t *Transport) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		t.handleLine(ctx, line)
	}
	if err := scanner.Err(); err != nil {
		logger.Errorf("stdin read failed: %v", err)
		return err
	}
	return nil
}

// handleLine parses one line as an envelope or batch and writes every
// resulting response.
func (t *Transport) handleLine(ctx context.Context, line []byte) {
	msgs, err := protocol.ParseBatch(line)
	if err != nil {
		t.write(protocol.NewError(nil, protocol.ErrCodeParseError, "parse error", nil))
		return
	}

	hc := &engine.HandlerContext{}
	for _, msg := range msgs {
		outcome := t.engine.Handle(ctx, hc, msg)
		if outcome == nil {
			continue
		}
		t.write(t.resolve(ctx, outcome))
	}
}

// resolve collapses streaming outcomes: line framing has no incremental
// delivery, so the stream's final value becomes the single response.
func (t *Transport) resolve(ctx context.Context, outcome *engine.Outcome) *protocol.Message {
	if outcome.Stream == nil {
		return outcome.Response
	}

	final, err := engine.Drain(ctx, outcome.Stream)
	if err != nil {
		return protocol.NewError(outcome.RequestID, protocol.ErrCodeInternalError, err.Error(), nil)
	}
	resp, err := protocol.NewResponse(outcome.RequestID, final)
	if err != nil {
		return protocol.NewError(outcome.RequestID, protocol.ErrCodeInternalError, "failed to encode result", nil)
	}
	return resp
}

// write emits one envelope as a single output line. The mutex keeps lines
// whole if handlers ever write concurrently.
func (t *Transport) write(msg *protocol.Message) {
	payload, err := msg.Encode()
	if err != nil {
		logger.Errorf("failed to encode response: %v", err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.out.Write(append(payload, '\n')); err != nil {
		logger.Errorf("stdout write failed: %v", err)
	}
}
