package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"comfychat/internal/comfy"
	"comfychat/internal/store"
	"comfychat/internal/workflow"
)

var (
	// ErrNoPromptFound is returned by GenerateMore when no user entry
	// precedes the given message.
	ErrNoPromptFound = errors.New("no originating prompt found")

	// ErrNoArtifact is returned by Favorite for messages without a stored
	// image binary.
	ErrNoArtifact = errors.New("message has no stored image")
)

// unknownPrompt is recorded on favorites whose originating prompt cannot be
// recovered from the conversation.
const unknownPrompt = "unknown"

// Coordinator drives generation sessions against one backend configuration.
// Submissions come in from the presentation layer; completion events arrive
// on the push channel and are resolved against pending sessions; every
// outcome, success or failure, lands in the durable store.
type Coordinator struct {
	store    *store.Store
	socket   *comfy.Socket
	engine   *workflow.Engine
	tracker  Tracker
	clientID string

	// secureDefault selects https for schemeless hosts, standing in for
	// the hosting page scheme a browser client would consult.
	secureDefault bool

	log zerolog.Logger

	mu         sync.Mutex
	client     *comfy.Client
	clientBase string
	clientTok  string
	generating bool
}

// New wires a coordinator. clientID is the process-lifetime session id shared
// with the push channel so inbound events are scoped to this client.
func New(st *store.Store, socket *comfy.Socket, engine *workflow.Engine, clientID string, secureDefault bool, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:         st,
		socket:        socket,
		engine:        engine,
		tracker:       NewTracker(),
		clientID:      clientID,
		secureDefault: secureDefault,
		log:           log.With().Str("component", "coordinator").Logger(),
	}
}

// Start connects the push channel from persisted settings, if any. A missing
// settings row is the normal unconfigured state, not an error.
func (c *Coordinator) Start(ctx context.Context) error {
	settings, err := c.store.Settings.Get(ctx)
	if errors.Is(err, store.ErrNotConfigured) {
		c.log.Info().Msg("no settings yet, waiting for configuration")
		return nil
	}
	if err != nil {
		return err
	}
	c.connect(settings)
	return nil
}

// Configure validates and persists new settings, then rebuilds the REST
// client and push connection for the new (endpoint, credential) pair.
func (c *Coordinator) Configure(ctx context.Context, settings *store.Settings) error {
	if err := workflow.Validate(settings.WorkflowJSON); err != nil {
		return err
	}
	if settings.SeedMode == "" {
		settings.SeedMode = workflow.SeedRandom
	}
	settings.Host = strings.TrimSpace(settings.Host)
	settings.AuthToken = strings.TrimSpace(settings.AuthToken)

	if err := c.store.Settings.Put(ctx, settings); err != nil {
		return err
	}
	c.connect(settings)
	return nil
}

// TestConnection probes a candidate endpoint without persisting anything.
func (c *Coordinator) TestConnection(ctx context.Context, host, token string) error {
	base := comfy.ResolveBase(host, c.secureDefault)
	probe := comfy.NewClient(base, strings.TrimSpace(token), c.clientID, c.log)
	return probe.CheckHealth(ctx)
}

// connect rebuilds the REST client and push connection for settings.
func (c *Coordinator) connect(settings *store.Settings) {
	base := comfy.ResolveBase(settings.Host, c.secureDefault)

	c.mu.Lock()
	c.client = comfy.NewClient(base, settings.AuthToken, c.clientID, c.log)
	c.clientBase = base
	c.clientTok = settings.AuthToken
	c.mu.Unlock()

	c.socket.Configure(base, c.clientID, settings.AuthToken)
}

// currentClient returns the REST client for the given settings, rebuilding
// it (and the push connection) when the resolved endpoint or credential
// changed since the last call.
func (c *Coordinator) currentClient(settings *store.Settings) *comfy.Client {
	base := comfy.ResolveBase(settings.Host, c.secureDefault)

	c.mu.Lock()
	if c.client != nil && c.clientBase == base && c.clientTok == settings.AuthToken {
		client := c.client
		c.mu.Unlock()
		return client
	}
	c.mu.Unlock()

	c.connect(settings)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// Send runs one generation session from prompt text to AwaitingCompletion.
// Empty prompts are ignored. Template failures settle the session with an
// error entry before any network call; submission failures settle it with an
// error entry afterwards. The applied seed is persisted either way, so seed
// progression survives transient network failures.
func (c *Coordinator) Send(ctx context.Context, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return nil
	}

	settings, err := c.store.Settings.Get(ctx)
	if err != nil {
		return err
	}

	userEntry := &store.Message{Role: store.RoleUser, Content: prompt, Status: store.StatusComplete}
	if err := c.store.Messages.Append(ctx, userEntry); err != nil {
		return err
	}

	prepared, seed, err := c.prepare(settings, prompt)
	if err != nil {
		c.recordFailure(ctx, err)
		return err
	}

	// Seed bookkeeping merges onto the latest persisted row and happens
	// before the submission outcome is known.
	if err := c.store.Settings.Update(ctx, func(s *store.Settings) { s.LastSeed = seed }); err != nil {
		c.log.Error().Err(err).Msg("failed to persist applied seed")
	}

	c.setGenerating(true)

	client := c.currentClient(settings)
	if err := client.SubmitPrompt(ctx, prepared); err != nil {
		c.setGenerating(false)
		c.recordFailure(ctx, err)
		return err
	}

	c.tracker.Track(&Pending{Prompt: prompt, Seed: seed, SubmittedAt: time.Now()})
	c.log.Debug().Uint64("seed", seed).Int("pending", c.tracker.PendingCount()).Msg("prompt submitted")
	return nil
}

// prepare parses the stored template and runs the template engine.
func (c *Coordinator) prepare(settings *store.Settings, prompt string) (workflow.Workflow, uint64, error) {
	wf, err := workflow.Parse(settings.WorkflowJSON)
	if err != nil {
		return nil, 0, err
	}
	mode := settings.SeedMode
	if mode == "" {
		mode = workflow.SeedRandom
	}
	return c.engine.Prepare(wf, prompt, mode, settings.LastSeed)
}

// Run consumes push-channel events until the context ends. It is the only
// reader of the socket's subscription.
func (c *Coordinator) Run(ctx context.Context) {
	events := c.socket.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			c.HandleEvent(ctx, event)
		}
	}
}

// HandleEvent applies one push event to the session state machine.
func (c *Coordinator) HandleEvent(ctx context.Context, event comfy.Event) {
	switch {
	case event.GenerationFinished():
		// Generation done; image delivery is independent and may arrive
		// before or after this frame, so nothing settles here.
		c.setGenerating(false)

	case event.Type == comfy.EventExecuted && len(event.Images) > 0:
		pending := c.tracker.ResolveCompletion()
		if pending != nil {
			c.log.Debug().Str("prompt", pending.Prompt).Msg("completion attributed to session")
		}
		c.retrieve(ctx, event.Images[0])
	}
}

// retrieve fetches one artifact and settles the session in the store: a
// complete entry with the binary on success, an error entry that keeps the
// remote address on failure.
func (c *Coordinator) retrieve(ctx context.Context, ref comfy.ImageRef) {
	settings, err := c.store.Settings.Get(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("artifact delivered but settings unavailable")
		return
	}
	client := c.currentClient(settings)
	remoteURL := comfy.ViewURL(comfy.ResolveBase(settings.Host, c.secureDefault), ref)

	data, err := client.FetchImage(ctx, ref)
	if err != nil {
		c.log.Warn().Err(err).Str("url", remoteURL).Msg("artifact retrieval failed")
		entry := &store.Message{
			Role:     store.RoleAssistant,
			Content:  "Image generated but failed to download: " + err.Error(),
			ImageURL: remoteURL,
			Status:   store.StatusError,
		}
		if err := c.store.Messages.Append(ctx, entry); err != nil {
			c.log.Error().Err(err).Msg("failed to record retrieval failure")
		}
		return
	}

	entry := &store.Message{
		Role:     store.RoleAssistant,
		ImageURL: remoteURL,
		Image:    data,
		Status:   store.StatusComplete,
	}
	if err := c.store.Messages.Append(ctx, entry); err != nil {
		c.log.Error().Err(err).Msg("failed to record generated image")
	}
}

// recordFailure settles a session by writing the failure into the
// conversation, so error history is part of the persisted record.
func (c *Coordinator) recordFailure(ctx context.Context, cause error) {
	entry := &store.Message{
		Role:    store.RoleAssistant,
		Content: "Error: " + cause.Error(),
		Status:  store.StatusError,
	}
	if err := c.store.Messages.Append(ctx, entry); err != nil {
		c.log.Error().Err(err).Msg("failed to record session failure")
	}
}

// GenerateMore re-submits the prompt that produced the given message: the
// nearest preceding user entry. It is the same operation as Send.
func (c *Coordinator) GenerateMore(ctx context.Context, messageID int64) error {
	prompt, err := c.promptBefore(ctx, messageID)
	if err != nil {
		return err
	}
	if prompt == "" {
		return ErrNoPromptFound
	}
	return c.Send(ctx, prompt)
}

// Favorite copies a message's artifact into the gallery together with its
// originating prompt. The binary is copied, not referenced, so clearing the
// conversation later leaves the favorite intact.
func (c *Coordinator) Favorite(ctx context.Context, messageID int64) (*store.Favorite, error) {
	msg, err := c.store.Messages.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if len(msg.Image) == 0 {
		return nil, ErrNoArtifact
	}

	prompt, err := c.promptBefore(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if prompt == "" {
		prompt = unknownPrompt
	}

	fav := &store.Favorite{
		Prompt: prompt,
		Image:  append([]byte(nil), msg.Image...),
	}
	if err := c.store.Favorites.Add(ctx, fav); err != nil {
		return nil, err
	}
	return fav, nil
}

// promptBefore walks the conversation backward from messageID to the nearest
// preceding user entry and returns its text, or "" when none exists.
func (c *Coordinator) promptBefore(ctx context.Context, messageID int64) (string, error) {
	messages, err := c.store.Messages.List(ctx)
	if err != nil {
		return "", err
	}
	idx := -1
	for i := range messages {
		if messages[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", fmt.Errorf("message %d: %w", messageID, store.ErrNotFound)
	}
	for i := idx - 1; i >= 0; i-- {
		if messages[i].Role == store.RoleUser {
			return messages[i].Content, nil
		}
	}
	return "", nil
}

// ClearHistory removes every conversation entry. Favorites are untouched.
func (c *Coordinator) ClearHistory(ctx context.Context) error {
	return c.store.Messages.Clear(ctx)
}

// ToggleSeedMode flips the persisted seed strategy and returns the new mode.
func (c *Coordinator) ToggleSeedMode(ctx context.Context) (workflow.SeedMode, error) {
	var mode workflow.SeedMode
	err := c.store.Settings.Update(ctx, func(s *store.Settings) {
		s.SeedMode = s.SeedMode.Toggle()
		mode = s.SeedMode
	})
	return mode, err
}

// Generating reports whether a job is believed to be executing; it is the
// indicator the presentation layer shows while awaiting completion.
func (c *Coordinator) Generating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generating
}

func (c *Coordinator) setGenerating(v bool) {
	c.mu.Lock()
	c.generating = v
	c.mu.Unlock()
}
