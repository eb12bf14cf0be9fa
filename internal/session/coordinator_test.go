package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comfychat/internal/comfy"
	"comfychat/internal/store"
	"comfychat/internal/workflow"
)

const coordinatorTemplate = `{
  "3": {"inputs": {"seed": 1, "steps": 20}, "class_type": "KSampler"},
  "6": {"inputs": {"text": "%PROMPT%"}, "class_type": "CLIPTextEncode"}
}`

// backendStub fakes the REST side of the generation backend.
type backendStub struct {
	server     *httptest.Server
	promptHits atomic.Int64
	failSubmit atomic.Bool
	failView   atomic.Bool
	image      []byte
}

func newBackendStub(t *testing.T) *backendStub {
	t.Helper()
	b := &backendStub{image: []byte("png-bytes")}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/prompt":
			b.promptHits.Add(1)
			if b.failSubmit.Load() {
				http.Error(w, "queue rejected", http.StatusInternalServerError)
				return
			}
			w.Write([]byte(`{"prompt_id":"x"}`))
		case "/view":
			if b.failView.Load() {
				http.NotFound(w, r)
				return
			}
			w.Write(b.image)
		case "/system_stats":
			w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(b.server.Close)
	return b
}

func newTestCoordinator(t *testing.T, st *store.Store) *Coordinator {
	t.Helper()
	engine := workflow.NewEngineWithRand(func(n int64) int64 { return 4242 })
	return New(st, comfy.NewSocket(zerolog.Nop()), engine, "client-test", false, zerolog.Nop())
}

func configured(t *testing.T, host string) *store.Store {
	t.Helper()
	st := store.NewMemoryStore()
	err := st.Settings.Put(context.Background(), &store.Settings{
		Host:         host,
		WorkflowJSON: coordinatorTemplate,
		SeedMode:     workflow.SeedRandom,
	})
	require.NoError(t, err)
	return st
}

func TestSendWithoutSettings(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newTestCoordinator(t, st)

	err := c.Send(ctx, "a cat")
	assert.ErrorIs(t, err, store.ErrNotConfigured)

	// No conversation entry and no network activity for the unconfigured state.
	messages, err := st.Messages.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestSendEmptyPromptIsNoop(t *testing.T) {
	ctx := context.Background()
	backend := newBackendStub(t)
	st := configured(t, backend.server.URL)
	c := newTestCoordinator(t, st)

	require.NoError(t, c.Send(ctx, "   \n"))
	assert.Zero(t, backend.promptHits.Load())
}

func TestSendSubmitsAndTracksSession(t *testing.T) {
	ctx := context.Background()
	backend := newBackendStub(t)
	st := configured(t, backend.server.URL)
	c := newTestCoordinator(t, st)

	require.NoError(t, c.Send(ctx, "a cat"))

	assert.Equal(t, int64(1), backend.promptHits.Load())
	assert.True(t, c.Generating())
	assert.Equal(t, 1, c.tracker.PendingCount())

	messages, err := st.Messages.List(ctx)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, store.RoleUser, messages[0].Role)
	assert.Equal(t, "a cat", messages[0].Content)

	// Applied seed persisted immediately after preparation.
	settings, err := st.Settings.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4242), settings.LastSeed)
}

func TestSendTemplateErrorSkipsNetwork(t *testing.T) {
	ctx := context.Background()
	backend := newBackendStub(t)
	st := configured(t, backend.server.URL)
	require.NoError(t, st.Settings.Update(ctx, func(s *store.Settings) {
		s.WorkflowJSON = `{"1": {"inputs": {"text": "no placeholder here"}, "class_type": "CLIPTextEncode"}}`
	}))
	c := newTestCoordinator(t, st)

	err := c.Send(ctx, "a cat")
	var terr *workflow.TemplateError
	require.ErrorAs(t, err, &terr)

	assert.Zero(t, backend.promptHits.Load(), "template failure must not reach the network")
	assert.False(t, c.Generating())

	messages, listErr := st.Messages.List(ctx)
	require.NoError(t, listErr)
	require.Len(t, messages, 2)
	assert.Equal(t, store.RoleAssistant, messages[1].Role)
	assert.Equal(t, store.StatusError, messages[1].Status)
	assert.Contains(t, messages[1].Content, "Error:")
}

func TestSendSubmissionFailureSettlesSession(t *testing.T) {
	ctx := context.Background()
	backend := newBackendStub(t)
	backend.failSubmit.Store(true)
	st := configured(t, backend.server.URL)
	c := newTestCoordinator(t, st)

	err := c.Send(ctx, "a cat")
	var serr *comfy.SubmissionError
	require.ErrorAs(t, err, &serr)

	assert.False(t, c.Generating())
	assert.Zero(t, c.tracker.PendingCount(), "failed submission must not stay pending")

	messages, listErr := st.Messages.List(ctx)
	require.NoError(t, listErr)
	require.Len(t, messages, 2)
	assert.Equal(t, store.StatusError, messages[1].Status)

	// Seed progression survives the failed submission.
	settings, getErr := st.Settings.Get(ctx)
	require.NoError(t, getErr)
	assert.Equal(t, uint64(4242), settings.LastSeed)
}

func TestExecutedEventDeliversImage(t *testing.T) {
	ctx := context.Background()
	backend := newBackendStub(t)
	st := configured(t, backend.server.URL)
	c := newTestCoordinator(t, st)

	require.NoError(t, c.Send(ctx, "a cat"))

	c.HandleEvent(ctx, comfy.Event{
		Type:   comfy.EventExecuted,
		Images: []comfy.ImageRef{{Filename: "out.png", Type: "output"}},
	})

	messages, err := st.Messages.List(ctx)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	got := messages[1]
	assert.Equal(t, store.RoleAssistant, got.Role)
	assert.Equal(t, store.StatusComplete, got.Status)
	assert.Equal(t, []byte("png-bytes"), got.Image)
	assert.Contains(t, got.ImageURL, "/view?")
	assert.Zero(t, c.tracker.PendingCount())
}

func TestExecutedEventRetrievalFailureKeepsRemoteURL(t *testing.T) {
	ctx := context.Background()
	backend := newBackendStub(t)
	backend.failView.Store(true)
	st := configured(t, backend.server.URL)
	c := newTestCoordinator(t, st)

	require.NoError(t, c.Send(ctx, "a cat"))

	c.HandleEvent(ctx, comfy.Event{
		Type:   comfy.EventExecuted,
		Images: []comfy.ImageRef{{Filename: "out.png", Type: "output"}},
	})

	messages, err := st.Messages.List(ctx)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	got := messages[1]
	assert.Equal(t, store.StatusError, got.Status)
	assert.Empty(t, got.Image)
	assert.Contains(t, got.ImageURL, "filename=out.png")
	assert.Contains(t, got.Content, "failed to download")
}

func TestGenerationFinishedClearsIndicatorOnly(t *testing.T) {
	ctx := context.Background()
	backend := newBackendStub(t)
	st := configured(t, backend.server.URL)
	c := newTestCoordinator(t, st)

	require.NoError(t, c.Send(ctx, "a cat"))
	require.True(t, c.Generating())

	c.HandleEvent(ctx, comfy.Event{Type: comfy.EventExecuting, Node: nil})

	assert.False(t, c.Generating())
	assert.Equal(t, 1, c.tracker.PendingCount(), "finish frame must not settle the session")
}

func TestExecutedEventWithoutImagesIsIgnored(t *testing.T) {
	ctx := context.Background()
	backend := newBackendStub(t)
	st := configured(t, backend.server.URL)
	c := newTestCoordinator(t, st)

	require.NoError(t, c.Send(ctx, "a cat"))
	c.HandleEvent(ctx, comfy.Event{Type: comfy.EventExecuted})

	messages, err := st.Messages.List(ctx)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
	assert.Equal(t, 1, c.tracker.PendingCount())
}

func TestGenerateMoreReusesNearestPrompt(t *testing.T) {
	ctx := context.Background()
	backend := newBackendStub(t)
	st := configured(t, backend.server.URL)
	c := newTestCoordinator(t, st)

	require.NoError(t, c.Send(ctx, "a dog"))
	c.HandleEvent(ctx, comfy.Event{
		Type:   comfy.EventExecuted,
		Images: []comfy.ImageRef{{Filename: "out.png", Type: "output"}},
	})

	messages, err := st.Messages.List(ctx)
	require.NoError(t, err)
	require.Len(t, messages, 2)

	require.NoError(t, c.GenerateMore(ctx, messages[1].ID))
	assert.Equal(t, int64(2), backend.promptHits.Load())

	messages, err = st.Messages.List(ctx)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "a dog", messages[2].Content)
}

func TestFavoriteCopiesArtifactWithPrompt(t *testing.T) {
	ctx := context.Background()
	backend := newBackendStub(t)
	st := configured(t, backend.server.URL)
	c := newTestCoordinator(t, st)

	require.NoError(t, c.Send(ctx, "a cat"))
	c.HandleEvent(ctx, comfy.Event{
		Type:   comfy.EventExecuted,
		Images: []comfy.ImageRef{{Filename: "out.png", Type: "output"}},
	})

	messages, err := st.Messages.List(ctx)
	require.NoError(t, err)
	require.Len(t, messages, 2)

	fav, err := c.Favorite(ctx, messages[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "a cat", fav.Prompt)
	assert.Equal(t, []byte("png-bytes"), fav.Image)

	// Favorites survive a conversation clear: the artifact was copied.
	require.NoError(t, c.ClearHistory(ctx))
	favorites, err := st.Favorites.List(ctx)
	require.NoError(t, err)
	require.Len(t, favorites, 1)
	assert.Equal(t, []byte("png-bytes"), favorites[0].Image)
}

func TestFavoriteWithoutPrecedingUserEntry(t *testing.T) {
	ctx := context.Background()
	backend := newBackendStub(t)
	st := configured(t, backend.server.URL)
	c := newTestCoordinator(t, st)

	// An assistant image with no user entry before it.
	orphan := &store.Message{Role: store.RoleAssistant, Image: []byte{7}, Status: store.StatusComplete}
	require.NoError(t, st.Messages.Append(ctx, orphan))

	fav, err := c.Favorite(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, "unknown", fav.Prompt)
}

func TestFavoriteRequiresArtifact(t *testing.T) {
	ctx := context.Background()
	backend := newBackendStub(t)
	st := configured(t, backend.server.URL)
	c := newTestCoordinator(t, st)

	textOnly := &store.Message{Role: store.RoleUser, Content: "just text", Status: store.StatusComplete}
	require.NoError(t, st.Messages.Append(ctx, textOnly))

	_, err := c.Favorite(ctx, textOnly.ID)
	assert.ErrorIs(t, err, ErrNoArtifact)
}

func TestToggleSeedMode(t *testing.T) {
	ctx := context.Background()
	backend := newBackendStub(t)
	st := configured(t, backend.server.URL)
	c := newTestCoordinator(t, st)

	mode, err := c.ToggleSeedMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, workflow.SeedIncrement, mode)

	mode, err = c.ToggleSeedMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, workflow.SeedRandom, mode)
}

func TestIncrementSeedRereadsLatestValue(t *testing.T) {
	ctx := context.Background()
	backend := newBackendStub(t)
	st := configured(t, backend.server.URL)
	require.NoError(t, st.Settings.Update(ctx, func(s *store.Settings) {
		s.SeedMode = workflow.SeedIncrement
		s.LastSeed = 10
	}))
	c := newTestCoordinator(t, st)

	require.NoError(t, c.Send(ctx, "first"))
	require.NoError(t, c.Send(ctx, "second"))

	settings, err := st.Settings.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), settings.LastSeed, "each submission increments the latest persisted seed")
}

func TestConfigureValidatesTemplate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newTestCoordinator(t, st)

	err := c.Configure(ctx, &store.Settings{Host: "127.0.0.1:1", WorkflowJSON: "{broken"})
	require.Error(t, err)

	_, err = st.Settings.Get(ctx)
	assert.ErrorIs(t, err, store.ErrNotConfigured, "invalid settings must not be persisted")
}

func TestConfigurePersistsAndDefaultsSeedMode(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newTestCoordinator(t, st)

	err := c.Configure(ctx, &store.Settings{
		Host:         " 127.0.0.1:1 ",
		WorkflowJSON: coordinatorTemplate,
	})
	require.NoError(t, err)

	settings, err := st.Settings.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1", settings.Host)
	assert.Equal(t, workflow.SeedRandom, settings.SeedMode)
}

func TestTestConnection(t *testing.T) {
	backend := newBackendStub(t)
	st := store.NewMemoryStore()
	c := newTestCoordinator(t, st)

	require.NoError(t, c.TestConnection(context.Background(), backend.server.URL, ""))
	require.Error(t, c.TestConnection(context.Background(), "127.0.0.1:1", ""))
}
