package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/qa-bot/backend/internal/model/chat"
)

type recorder struct {
	turns []chat.Turn
}

func (r *recorder) Append(turn chat.Turn) {
	r.turns = append(r.turns, turn)
}

func (r *recorder) texts() []string {
	out := make([]string, 0, len(r.turns))
	for _, turn := range r.turns {
		out = append(out, turn.Text)
	}
	return out
}

func fragmentsOf(parts ...string) *schema.StreamReader[*schema.Message] {
	msgs := make([]*schema.Message, 0, len(parts))
	for _, part := range parts {
		msgs = append(msgs, schema.AssistantMessage(part, nil))
	}
	return schema.StreamReaderFromArray(msgs)
}

// failingFragments yields parts and then fails with err.
func failingFragments(err error, parts ...string) *schema.StreamReader[*schema.Message] {
	sr, sw := schema.Pipe[*schema.Message](len(parts) + 1)
	for _, part := range parts {
		sw.Send(schema.AssistantMessage(part, nil), nil)
	}
	sw.Send(nil, err)
	sw.Close()
	return sr
}

func TestAccumulateBatchedConcatenates(t *testing.T) {
	rec := &recorder{}

	n, err := Accumulate(context.Background(), rec, fragmentsOf("Hel", "lo"), chat.ModeBatched, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"Hello"}, rec.texts())
	require.Equal(t, chat.SpeakerBot, rec.turns[0].Speaker)
}

func TestAccumulateStreamedAppendsEachFragment(t *testing.T) {
	rec := &recorder{}

	n, err := Accumulate(context.Background(), rec, fragmentsOf("Hel", "lo"), chat.ModeStreamed, nil)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"Hel", "lo"}, rec.texts())
	for _, turn := range rec.turns {
		require.Equal(t, chat.SpeakerBot, turn.Speaker)
	}
}

func TestAccumulateFailureBatchedAppendsNothing(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("quota exceeded")

	n, err := Accumulate(context.Background(), rec, failingFragments(boom, "Partial"), chat.ModeBatched, nil)
	require.ErrorIs(t, err, boom)
	require.Zero(t, n)
	require.Empty(t, rec.turns)
}

func TestAccumulateFailureStreamedKeepsPartial(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("connection reset")

	n, err := Accumulate(context.Background(), rec, failingFragments(boom, "Partial"), chat.ModeStreamed, nil)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"Partial"}, rec.texts())
}

func TestAccumulateSkipsEmptyFragmentsAndNotifies(t *testing.T) {
	rec := &recorder{}
	var seen []string

	_, err := Accumulate(context.Background(), rec, fragmentsOf("a", "", "b"), chat.ModeStreamed, func(fragment string) {
		seen = append(seen, fragment)
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, seen)
	require.Equal(t, []string{"a", "b"}, rec.texts())
}

func TestAccumulateBatchedEmptyReplyStillRecordsTurn(t *testing.T) {
	rec := &recorder{}

	n, err := Accumulate(context.Background(), rec, fragmentsOf(), chat.ModeBatched, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{""}, rec.texts())
}

func TestAccumulateCanceledContext(t *testing.T) {
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Accumulate(ctx, rec, fragmentsOf("never"), chat.ModeStreamed, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, rec.turns)
}

func TestAccumulateRejectsUnknownMode(t *testing.T) {
	rec := &recorder{}

	_, err := Accumulate(context.Background(), rec, fragmentsOf("x"), chat.Mode("chunky"), nil)
	require.Error(t, err)
	require.Empty(t, rec.turns)
}

// stalledFragments yields parts and then neither sends nor closes until the
// test ends.
func stalledFragments(t *testing.T, parts ...string) *schema.StreamReader[*schema.Message] {
	sr, sw := schema.Pipe[*schema.Message](len(parts) + 1)
	for _, part := range parts {
		sw.Send(schema.AssistantMessage(part, nil), nil)
	}
	t.Cleanup(sw.Close)
	return sr
}

func TestAccumulateDeadlineInterruptsStalledStream(t *testing.T) {
	for _, mode := range []chat.Mode{chat.ModeBatched, chat.ModeStreamed} {
		t.Run(string(mode), func(t *testing.T) {
			rec := &recorder{}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()

			type outcome struct {
				n   int
				err error
			}
			done := make(chan outcome, 1)
			go func() {
				n, err := Accumulate(ctx, rec, stalledFragments(t, "Partial"), mode, nil)
				done <- outcome{n, err}
			}()

			select {
			case got := <-done:
				require.ErrorIs(t, got.err, context.DeadlineExceeded)
				if mode == chat.ModeBatched {
					require.Zero(t, got.n)
					require.Empty(t, rec.turns)
				} else {
					require.Equal(t, 1, got.n)
					require.Equal(t, []string{"Partial"}, rec.texts())
				}
			case <-time.After(2 * time.Second):
				t.Fatal("Accumulate did not return after the deadline")
			}
		})
	}
}
