package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/qa-bot/backend/internal/model/chat"
)

// Appender receives bot turns produced by Accumulate.
type Appender interface {
	Append(turn chat.Turn)
}

type received struct {
	msg *schema.Message
	err error
}

// pump reads fragments until the stream ends or done is closed. Recv and
// Close both run on the pump goroutine; a terminal result is sent only after
// the reader is closed.
func pump(fragments *schema.StreamReader[*schema.Message], done <-chan struct{}) <-chan received {
	out := make(chan received)
	go func() {
		closed := false
		defer func() {
			if !closed {
				fragments.Close()
			}
		}()
		for {
			var r received
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						r = received{err: fmt.Errorf("fragment stream panicked: %v", rec)}
					}
				}()
				r.msg, r.err = fragments.Recv()
			}()

			if r.err != nil {
				fragments.Close()
				closed = true
			}
			select {
			case out <- r:
			case <-done:
				return
			}
			if r.err != nil {
				return
			}
		}
	}()
	return out
}

// Accumulate drains fragments exactly once, in arrival order, and records
// them on store according to mode. onFragment, when set, sees every
// non-empty fragment as it arrives in both modes.
//
// On error a batched reply records nothing, while fragments already
// recorded in streamed mode stay in place. ctx ends the wait even when the
// stream stalls mid-reply. The reader is always closed.
func Accumulate(ctx context.Context, store Appender, fragments *schema.StreamReader[*schema.Message], mode chat.Mode, onFragment func(string)) (int, error) {
	if fragments == nil {
		return 0, errors.New("nil fragment stream")
	}

	if mode != chat.ModeStreamed && mode != chat.ModeBatched {
		fragments.Close()
		return 0, fmt.Errorf("unknown response mode %q", mode)
	}
	if err := ctx.Err(); err != nil {
		fragments.Close()
		return 0, err
	}

	done := make(chan struct{})
	defer close(done)
	results := pump(fragments, done)

	var (
		builder  strings.Builder
		appended int
	)

	for {
		if err := ctx.Err(); err != nil {
			return appended, err
		}

		var r received
		select {
		case <-ctx.Done():
			return appended, ctx.Err()
		case r = <-results:
		}

		if errors.Is(r.err, io.EOF) {
			break
		}
		if r.err != nil {
			return appended, r.err
		}
		if r.msg == nil || r.msg.Content == "" {
			continue
		}

		if onFragment != nil {
			onFragment(r.msg.Content)
		}

		if mode == chat.ModeStreamed {
			store.Append(chat.BotTurn(r.msg.Content))
			appended++
			continue
		}
		builder.WriteString(r.msg.Content)
	}

	if mode == chat.ModeBatched {
		store.Append(chat.BotTurn(builder.String()))
		appended++
	}

	return appended, nil
}
