package chat_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/qa-bot/backend/internal/config"
	model "github.com/zhouzirui/qa-bot/backend/internal/model/chat"
	chat "github.com/zhouzirui/qa-bot/backend/internal/service/chat"
)

type stubResponder struct {
	fragments []string
	streamErr error
	sendErr   error

	mu        sync.Mutex
	questions []string
	histories [][]model.Turn
}

func (s *stubResponder) Send(_ context.Context, question string, history []model.Turn) (*schema.StreamReader[*schema.Message], error) {
	s.mu.Lock()
	s.questions = append(s.questions, question)
	s.histories = append(s.histories, history)
	s.mu.Unlock()

	if s.sendErr != nil {
		return nil, s.sendErr
	}

	sr, sw := schema.Pipe[*schema.Message](len(s.fragments) + 1)
	for _, fragment := range s.fragments {
		sw.Send(schema.AssistantMessage(fragment, nil), nil)
	}
	if s.streamErr != nil {
		sw.Send(nil, s.streamErr)
	}
	sw.Close()
	return sr, nil
}

// gateResponder blocks in Send until released or the context ends.
type gateResponder struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gateResponder) Send(ctx context.Context, _ string, _ []model.Turn) (*schema.StreamReader[*schema.Message], error) {
	close(g.entered)
	select {
	case <-g.release:
		return schema.StreamReaderFromArray([]*schema.Message{schema.AssistantMessage("done", nil)}), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newSession(t *testing.T, svc *chat.Service) string {
	t.Helper()
	session, err := svc.CreateSession(context.Background())
	require.NoError(t, err)
	return session.ID()
}

func TestServiceGetSession(t *testing.T) {
	svc := chat.NewService(&stubResponder{}, chat.Config{})
	ctx := context.Background()

	session, err := svc.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}

	got, err := svc.GetSession(ctx, session.ID())
	if err != nil {
		t.Fatalf("GetSession err: %v", err)
	}

	if got.ID() != session.ID() {
		t.Fatalf("unexpected session ID: got %s want %s", got.ID(), session.ID())
	}
	if len(got.All()) != 0 {
		t.Fatalf("expected empty transcript, got %d turns", len(got.All()))
	}
}

func TestServiceGetSessionNotFound(t *testing.T) {
	svc := chat.NewService(&stubResponder{}, chat.Config{})
	ctx := context.Background()

	if _, err := svc.GetSession(ctx, "missing"); err == nil {
		t.Fatal("expected error for missing session")
	}
}

func TestAskBatchedRecordsUserThenSingleBotTurn(t *testing.T) {
	responder := &stubResponder{fragments: []string{"Hel", "lo"}}
	svc := chat.NewService(responder, chat.Config{Mode: model.ModeBatched})
	id := newSession(t, svc)

	res, err := svc.Ask(context.Background(), id, "Say hello", chat.AskOptions{})
	require.NoError(t, err)
	require.Equal(t, model.ModeBatched, res.Mode)
	require.Equal(t, "Say hello", res.UserTurn.Text)
	require.Len(t, res.BotTurns, 1)
	require.Equal(t, "Hello", res.BotTurns[0].Text)

	transcript, err := svc.LoadTranscript(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, transcript, 2)
	require.Equal(t, model.SpeakerUser, transcript[0].Speaker)
	require.Equal(t, model.SpeakerBot, transcript[1].Speaker)
}

func TestAskStreamedModeOverride(t *testing.T) {
	responder := &stubResponder{fragments: []string{"Hel", "lo"}}
	svc := chat.NewService(responder, chat.Config{Mode: model.ModeBatched})
	id := newSession(t, svc)

	var live []string
	res, err := svc.Ask(context.Background(), id, "hi", chat.AskOptions{
		Mode:       model.ModeStreamed,
		OnFragment: func(fragment string) { live = append(live, fragment) },
	})
	require.NoError(t, err)
	require.Len(t, res.BotTurns, 2)
	require.Equal(t, "Hel", res.BotTurns[0].Text)
	require.Equal(t, "lo", res.BotTurns[1].Text)
	require.Equal(t, []string{"Hel", "lo"}, live)
}

func TestAskEveryUserTurnPrecedesItsBotTurns(t *testing.T) {
	responder := &stubResponder{fragments: []string{"a", "b"}}
	svc := chat.NewService(responder, chat.Config{Mode: model.ModeStreamed})
	id := newSession(t, svc)
	ctx := context.Background()

	questions := []string{"one", "two", "three"}
	for _, q := range questions {
		_, err := svc.Ask(ctx, id, q, chat.AskOptions{})
		require.NoError(t, err)
	}

	transcript, err := svc.LoadTranscript(ctx, id)
	require.NoError(t, err)
	require.Len(t, transcript, len(questions)*3)

	users := 0
	for i, turn := range transcript {
		if turn.Speaker != model.SpeakerUser {
			continue
		}
		require.Equal(t, questions[users], turn.Text)
		require.Equal(t, model.SpeakerBot, transcript[i+1].Speaker)
		require.Equal(t, model.SpeakerBot, transcript[i+2].Speaker)
		users++
	}
	require.Equal(t, len(questions), users)

	// the responder sees the transcript as it stood before each question
	require.Empty(t, responder.histories[0])
	require.Len(t, responder.histories[1], 3)
	require.Len(t, responder.histories[2], 6)
	require.Equal(t, questions, responder.questions)
}

func TestAskAllIsIdempotent(t *testing.T) {
	svc := chat.NewService(&stubResponder{fragments: []string{"x"}}, chat.Config{})
	id := newSession(t, svc)
	_, err := svc.Ask(context.Background(), id, "q", chat.AskOptions{})
	require.NoError(t, err)

	session, err := svc.GetSession(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, session.All(), session.All())
}

func TestAskUpstreamFailureBatchedKeepsOnlyUserTurn(t *testing.T) {
	responder := &stubResponder{fragments: []string{"Partial"}, streamErr: errors.New("malformed chunk")}
	svc := chat.NewService(responder, chat.Config{Mode: model.ModeBatched})
	id := newSession(t, svc)

	_, err := svc.Ask(context.Background(), id, "q", chat.AskOptions{})
	require.Error(t, err)
	require.Equal(t, chat.KindUpstream, chat.KindOf(err))

	transcript, _ := svc.LoadTranscript(context.Background(), id)
	require.Len(t, transcript, 1)
	require.Equal(t, model.SpeakerUser, transcript[0].Speaker)

	state, err := svc.State(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, chat.StateIdle, state)
}

func TestAskUpstreamFailureStreamedKeepsPartial(t *testing.T) {
	responder := &stubResponder{fragments: []string{"Partial"}, streamErr: errors.New("malformed chunk")}
	svc := chat.NewService(responder, chat.Config{Mode: model.ModeStreamed})
	id := newSession(t, svc)

	_, err := svc.Ask(context.Background(), id, "q", chat.AskOptions{})
	require.Error(t, err)

	transcript, _ := svc.LoadTranscript(context.Background(), id)
	require.Len(t, transcript, 2)
	require.Equal(t, "Partial", transcript[1].Text)
	require.Equal(t, model.SpeakerBot, transcript[1].Speaker)
}

func TestAskSendFailureAllowsResubmission(t *testing.T) {
	responder := &stubResponder{sendErr: errors.New("network unreachable")}
	svc := chat.NewService(responder, chat.Config{})
	id := newSession(t, svc)

	_, err := svc.Ask(context.Background(), id, "q", chat.AskOptions{})
	require.Equal(t, chat.KindUpstream, chat.KindOf(err))

	responder.sendErr = nil
	responder.fragments = []string{"ok"}
	res, err := svc.Ask(context.Background(), id, "q", chat.AskOptions{})
	require.NoError(t, err)
	require.Equal(t, "ok", res.BotTurns[0].Text)
}

func TestAskRejectsEmptyQuestion(t *testing.T) {
	responder := &stubResponder{}
	svc := chat.NewService(responder, chat.Config{})
	id := newSession(t, svc)

	_, err := svc.Ask(context.Background(), id, "   ", chat.AskOptions{})
	require.ErrorIs(t, err, chat.ErrEmptyQuestion)
	require.Equal(t, chat.KindInvalidRequest, chat.KindOf(err))
	require.Empty(t, responder.questions)
}

func TestAskUnknownSession(t *testing.T) {
	svc := chat.NewService(&stubResponder{}, chat.Config{})

	_, err := svc.Ask(context.Background(), "missing", "q", chat.AskOptions{})
	require.ErrorIs(t, err, chat.ErrSessionNotFound)
	require.Equal(t, chat.KindSessionNotFound, chat.KindOf(err))
}

func TestAskRejectsConcurrentQuestion(t *testing.T) {
	gate := &gateResponder{entered: make(chan struct{}), release: make(chan struct{})}
	svc := chat.NewService(gate, chat.Config{Mode: model.ModeBatched})
	id := newSession(t, svc)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := svc.Ask(ctx, id, "first", chat.AskOptions{})
		done <- err
	}()
	<-gate.entered

	state, err := svc.State(ctx, id)
	require.NoError(t, err)
	require.Equal(t, chat.StateAwaitingResponse, state)

	_, err = svc.Ask(ctx, id, "second", chat.AskOptions{})
	require.ErrorIs(t, err, chat.ErrBusy)
	require.Equal(t, chat.KindBusy, chat.KindOf(err))

	close(gate.release)
	require.NoError(t, <-done)

	transcript, _ := svc.LoadTranscript(ctx, id)
	require.Len(t, transcript, 2)
	require.Equal(t, "first", transcript[0].Text)
}

func TestAskTimeout(t *testing.T) {
	gate := &gateResponder{entered: make(chan struct{}), release: make(chan struct{})}
	svc := chat.NewService(gate, chat.Config{Timeout: 20 * time.Millisecond})
	id := newSession(t, svc)

	_, err := svc.Ask(context.Background(), id, "slow", chat.AskOptions{})
	require.Error(t, err)
	require.Equal(t, chat.KindTimeout, chat.KindOf(err))

	state, _ := svc.State(context.Background(), id)
	require.Equal(t, chat.StateIdle, state)
}

func TestEndSessionAndSweep(t *testing.T) {
	svc := chat.NewService(&stubResponder{}, chat.Config{SessionTTL: time.Minute})
	ctx := context.Background()

	ended := newSession(t, svc)
	require.NoError(t, svc.EndSession(ctx, ended))
	require.ErrorIs(t, svc.EndSession(ctx, ended), chat.ErrSessionNotFound)

	stale := newSession(t, svc)
	require.Equal(t, 0, svc.Sweep(time.Now()))
	require.Equal(t, 1, svc.Sweep(time.Now().Add(2*time.Minute)))

	_, err := svc.GetSession(ctx, stale)
	require.ErrorIs(t, err, chat.ErrSessionNotFound)
}

func TestConfigFrom(t *testing.T) {
	cfg, err := chat.ConfigFrom(config.ChatConfig{Mode: "Batched", Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.Equal(t, model.ModeBatched, cfg.Mode)
	require.Equal(t, 5*time.Second, cfg.Timeout)

	cfg, err = chat.ConfigFrom(config.ChatConfig{})
	require.NoError(t, err)
	require.Equal(t, model.ModeStreamed, cfg.Mode)

	_, err = chat.ConfigFrom(config.ChatConfig{Mode: "chunked"})
	require.Error(t, err)
}

// stallingResponder sends one fragment and then keeps the stream open.
type stallingResponder struct {
	writers []*schema.StreamWriter[*schema.Message]
}

func (r *stallingResponder) Send(_ context.Context, _ string, _ []model.Turn) (*schema.StreamReader[*schema.Message], error) {
	sr, sw := schema.Pipe[*schema.Message](2)
	sw.Send(schema.AssistantMessage("Partial", nil), nil)
	r.writers = append(r.writers, sw)
	return sr, nil
}

func (r *stallingResponder) close() {
	for _, sw := range r.writers {
		sw.Close()
	}
}

func TestAskTimeoutDuringStalledStream(t *testing.T) {
	responder := &stallingResponder{}
	t.Cleanup(responder.close)
	svc := chat.NewService(responder, chat.Config{Mode: model.ModeBatched, Timeout: 50 * time.Millisecond})
	id := newSession(t, svc)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Ask(context.Background(), id, "hang on", chat.AskOptions{})
		done <- err
	}()

	select {
	case err := <-done:
		require.Equal(t, chat.KindTimeout, chat.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("Ask still blocked after the exchange timeout")
	}

	state, err := svc.State(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, chat.StateIdle, state)

	transcript, _ := svc.LoadTranscript(context.Background(), id)
	require.Len(t, transcript, 1)
	require.Equal(t, model.SpeakerUser, transcript[0].Speaker)

	require.Equal(t, 1, svc.Sweep(time.Now().Add(time.Hour)))
}

type panickingResponder struct{}

func (panickingResponder) Send(context.Context, string, []model.Turn) (*schema.StreamReader[*schema.Message], error) {
	panic("responder exploded")
}

func TestAskPanicReturnsSessionToIdle(t *testing.T) {
	svc := chat.NewService(panickingResponder{}, chat.Config{})
	id := newSession(t, svc)

	require.Panics(t, func() {
		_, _ = svc.Ask(context.Background(), id, "boom", chat.AskOptions{})
	})

	state, err := svc.State(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, chat.StateIdle, state)
}

func TestAskPanicInFragmentCallbackReturnsSessionToIdle(t *testing.T) {
	svc := chat.NewService(&stubResponder{fragments: []string{"a"}}, chat.Config{})
	id := newSession(t, svc)

	require.Panics(t, func() {
		_, _ = svc.Ask(context.Background(), id, "boom", chat.AskOptions{
			OnFragment: func(string) { panic("render failed") },
		})
	})

	state, _ := svc.State(context.Background(), id)
	require.Equal(t, chat.StateIdle, state)

	_, err := svc.Ask(context.Background(), id, "again", chat.AskOptions{})
	require.NoError(t, err)
}

func TestAskOnAcceptedOnlyForRecordedQuestions(t *testing.T) {
	svc := chat.NewService(&stubResponder{fragments: []string{"ok"}}, chat.Config{})
	id := newSession(t, svc)

	var accepted []string
	opts := chat.AskOptions{OnAccepted: func(turn model.Turn) { accepted = append(accepted, turn.Text) }}

	_, err := svc.Ask(context.Background(), id, "   ", opts)
	require.Error(t, err)
	_, err = svc.Ask(context.Background(), "missing", "hello", opts)
	require.Error(t, err)
	require.Empty(t, accepted)

	_, err = svc.Ask(context.Background(), id, "hello", opts)
	require.NoError(t, err)
	require.Equal(t, []string{"hello"}, accepted)
}
