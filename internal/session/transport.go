// Package session implements the Session Transport component (C2): it
// drives a single agent session against an external agent server and
// normalizes its stream into bus events (spec.md §4.2).
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/acpclient"
	"github.com/kandev/ralph/internal/bus"
	"github.com/kandev/ralph/internal/common/logger"
)

// DefaultTimeout is used when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Minute

// Phase is the calling phase, carried on every emitted event.
type Phase string

const (
	PhaseExecutor Phase = "executor"
	PhaseValidator Phase = "validator"
	PhaseResolver Phase = "resolver"
)

// EventStream is the subset of *acpclient.EventStream Session Transport
// depends on, named as an interface so tests can substitute an in-memory fake
// instead of dialing a real websocket.
type EventStream interface {
	Events() <-chan acpclient.StreamEvent
	Close()
}

// Client is the subset of acpclient.Client Session Transport depends on,
// named as an interface so phase runners and tests can substitute fakes.
type Client interface {
	CreateSession(ctx context.Context, title string) (string, error)
	PromptAsync(ctx context.Context, sessionID string, model acpclient.ModelRef, text string) error
	ReplyPermission(ctx context.Context, requestID, reply string) error
	Subscribe(ctx context.Context) (EventStream, error)
}

// ErrSessionTimeout is returned when the session does not finish within Options.Timeout.
var ErrSessionTimeout = errors.New("session: timed out waiting for completion")

// ErrSessionRefused is returned when session.create fails.
var ErrSessionRefused = errors.New("session: agent server refused to create session")

// Options configures one Run call.
type Options struct {
	Client    Client
	Prompt    string
	Title     string
	Model     acpclient.ModelRef
	Phase     Phase
	LogPath   string // optional; appended to per chunk
	Timeout   time.Duration
	Publisher bus.Publisher
}

// Result is returned by Run: the concatenated output text plus the session id.
type Result struct {
	Output    string
	SessionID string
}

var tracer = otel.Tracer("ralph/session")

// Run drives one session end to end, per spec.md §4.2.
func Run(ctx context.Context, opts Options, log *logger.Logger) (*Result, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "session-transport"), zap.String("phase", string(opts.Phase)))

	ctx, span := tracer.Start(ctx, "ralph.session."+string(opts.Phase))
	defer span.End()

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	sessionID, err := opts.Client.CreateSession(ctx, opts.Title)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionRefused, err)
	}

	stream, err := opts.Client.Subscribe(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: subscribe: %w", err)
	}
	defer stream.Close()

	var logFile *os.File
	if opts.LogPath != "" {
		logFile, err = os.OpenFile(opts.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			log.Warn("failed to open session log file", zap.Error(err))
		} else {
			defer logFile.Close()
		}
	}

	type outcome = struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)

	go consume(ctx, stream, sessionID, opts, log, logFile, done)

	// Submit the prompt asynchronously after subscribing, to avoid losing
	// events emitted before PromptAsync returns (spec.md §4.2 step 4).
	go func() {
		if err := opts.Client.PromptAsync(ctx, sessionID, opts.Model, opts.Prompt); err != nil {
			select {
			case done <- outcome{err: fmt.Errorf("session: prompt submission failed: %w", err)}:
			default:
			}
		}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		return &Result{Output: o.output, SessionID: sessionID}, nil
	case <-time.After(timeout):
		stream.Close()
		return nil, ErrSessionTimeout
	case <-ctx.Done():
		stream.Close()
		return nil, ctx.Err()
	}
}

func consume(ctx context.Context, stream EventStream, sessionID string, opts Options, log *logger.Logger, logFile *os.File, done chan<- struct {
	output string
	err    error
}) {
	var out strings.Builder
	toolStatus := make(map[string]string) // callID -> last emitted status

	send := func(o struct {
		output string
		err    error
	}) {
		select {
		case done <- o:
		default:
		}
	}

	for evt := range stream.Events() {
		if evt.SessionID != "" && evt.SessionID != sessionID {
			continue
		}

		switch evt.Kind {
		case acpclient.StreamPermissionAsked:
			if err := opts.Client.ReplyPermission(ctx, evt.RequestID, "once"); err != nil {
				log.Warn("auto-approve permission failed", zap.String("requestID", evt.RequestID), zap.Error(err))
			}
			if opts.Publisher != nil {
				opts.Publisher.Publish(ctx, bus.TagSessionPermission, map[string]any{
					"phase":       string(opts.Phase),
					"permission":  evt.RequestID,
					"description": evt.Description,
				})
			}

		case acpclient.StreamMessagePartText:
			out.WriteString(evt.Delta)
			if opts.Publisher != nil {
				opts.Publisher.Publish(ctx, bus.TagSessionTextDelta, map[string]any{
					"phase": string(opts.Phase),
					"delta": evt.Delta,
				})
			}
			appendLog(logFile, evt.Delta)

		case acpclient.StreamMessagePartTool:
			if evt.Tool == nil {
				continue
			}
			key := evt.Tool.CallID
			if key == "" {
				key = evt.Tool.Name
			}
			if toolStatus[key] == evt.Tool.Status {
				continue // only one session.tool.status per transition
			}
			toolStatus[key] = evt.Tool.Status

			if opts.Publisher != nil {
				payload := map[string]any{
					"phase":  string(opts.Phase),
					"tool":   evt.Tool.Name,
					"status": evt.Tool.Status,
					"detail": evt.Tool.Title,
				}
				if evt.Tool.Input != nil {
					payload["input"] = evt.Tool.Input
				}
				if evt.Tool.Output != "" {
					payload["output"] = truncate(evt.Tool.Output, 4096)
				}
				if evt.Tool.Time.Start != nil && evt.Tool.Time.End != nil {
					payload["duration"] = float64(*evt.Tool.Time.End-*evt.Tool.Time.Start) / 1000.0
				}
				if evt.Tool.Metadata != nil {
					payload["metadata"] = evt.Tool.Metadata
				}
				opts.Publisher.Publish(ctx, bus.TagSessionToolStatus, payload)
			}
			appendLog(logFile, fmt.Sprintf("[tool:%s] %s\n", evt.Tool.Name, evt.Tool.Status))

		case acpclient.StreamSessionIdle:
			send(struct {
				output string
				err    error
			}{output: out.String()})
			return

		case acpclient.StreamSessionError:
			send(struct {
				output string
				err    error
			}{err: fmt.Errorf("session: agent reported session.error: %v", evt.Error)})
			return
		}
	}
}

func appendLog(f *os.File, s string) {
	if f == nil || s == "" {
		return
	}
	_, _ = f.WriteString(s)
	_ = f.Sync()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

// ClientAdapter wraps an *acpclient.Client so it satisfies Client: the
// concrete client returns *acpclient.EventStream, which already implements
// the narrower EventStream interface, but Go requires an explicit adapter to
// bridge the two method signatures.
type ClientAdapter struct {
	*acpclient.Client
}

// Subscribe implements Client.
func (a ClientAdapter) Subscribe(ctx context.Context) (EventStream, error) {
	return a.Client.Subscribe(ctx)
}

var _ Client = ClientAdapter{}
