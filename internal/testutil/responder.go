// Package testutil holds fakes shared by handler tests.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/qa-bot/backend/internal/model/chat"
)

// Responder replays fixed fragments and optionally fails afterwards.
type Responder struct {
	Fragments []string
	StreamErr error
	SendErr   error
	// Delay holds Send back before the stream is returned.
	Delay time.Duration

	mu        sync.Mutex
	questions []string
}

// Send records the question and returns the scripted fragments.
func (r *Responder) Send(ctx context.Context, question string, _ []chat.Turn) (*schema.StreamReader[*schema.Message], error) {
	r.mu.Lock()
	r.questions = append(r.questions, question)
	r.mu.Unlock()

	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if r.SendErr != nil {
		return nil, r.SendErr
	}

	sr, sw := schema.Pipe[*schema.Message](len(r.Fragments) + 1)
	for _, fragment := range r.Fragments {
		sw.Send(schema.AssistantMessage(fragment, nil), nil)
	}
	if r.StreamErr != nil {
		sw.Send(nil, r.StreamErr)
	}
	sw.Close()
	return sr, nil
}

// Questions returns every question received so far.
func (r *Responder) Questions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.questions...)
}
