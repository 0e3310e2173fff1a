package handlers

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/breathai-tgbot-go/internal/config"
	"github.com/breathai-tgbot-go/internal/i18n"
	"github.com/breathai-tgbot-go/internal/middleware"
	"github.com/breathai-tgbot-go/internal/models"
	"github.com/breathai-tgbot-go/internal/services/ai"
	"github.com/breathai-tgbot-go/internal/services/conversation"
	"github.com/breathai-tgbot-go/internal/services/storage"
	"github.com/breathai-tgbot-go/internal/services/telegram"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	ChatID int64
	Text   string
	Opts   telegram.SendOptions
}

type editCall struct {
	ChatID    int64
	MessageID int
	Text      string
	ParseMode string
}

// fakeTransport records outbound calls. editErr, when set, decides the result
// of each edit from its 1-based sequence number.
type fakeTransport struct {
	mu      sync.Mutex
	nextID  int
	sent    []sentMessage
	edits   []editCall
	actions []string
	sendErr error
	editErr func(n int, text, parseMode string) error
}

func (f *fakeTransport) SendMessage(ctx context.Context, chatID int64, text string, opts telegram.SendOptions) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.nextID++
	f.sent = append(f.sent, sentMessage{ChatID: chatID, Text: text, Opts: opts})
	return 100 + f.nextID, nil
}

func (f *fakeTransport) EditMessage(ctx context.Context, chatID int64, messageID int, text, parseMode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editCall{ChatID: chatID, MessageID: messageID, Text: text, ParseMode: parseMode})
	if f.editErr != nil {
		return f.editErr(len(f.edits), text, parseMode)
	}
	return nil
}

func (f *fakeTransport) SendChatAction(ctx context.Context, chatID int64, action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	return nil
}

func (f *fakeTransport) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeTransport) editCalls() []editCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]editCall(nil), f.edits...)
}

func (f *fakeTransport) lastEdit(t *testing.T) editCall {
	t.Helper()
	edits := f.editCalls()
	require.NotEmpty(t, edits)
	return edits[len(edits)-1]
}

// fakeBackend serves a canned SSE body, or err when set. readErr, when set,
// breaks the connection after the body.
type fakeBackend struct {
	mu      sync.Mutex
	body    string
	err     error
	readErr error
	panics  bool
	request [][]models.Message
}

func (b *fakeBackend) Stream(ctx context.Context, messages []models.Message) (*ai.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.panics {
		panic("backend exploded")
	}
	b.request = append(b.request, messages)
	if b.err != nil {
		return nil, b.err
	}
	var body io.Reader = strings.NewReader(b.body)
	if b.readErr != nil {
		body = io.MultiReader(body, iotest.ErrReader(b.readErr))
	}
	return ai.NewStream(io.NopCloser(body)), nil
}

func (b *fakeBackend) Model() string {
	return "test-model"
}

func (b *fakeBackend) requests() [][]models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]models.Message(nil), b.request...)
}

func sseBody(fragments ...string) string {
	var sb strings.Builder
	for _, f := range fragments {
		fmt.Fprintf(&sb, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", f)
	}
	sb.WriteString("data: [DONE]\n\n")
	return sb.String()
}

type testEnv struct {
	cfg       *config.Config
	transport *fakeTransport
	backend   *fakeBackend
	store     *conversation.Store
	stats     *storage.MemoryStorage
	localizer *i18n.Localizer
	relay     *StreamRelay
	router    *Router
	logger    *logrus.Logger
	hook      *test.Hook
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Backend: config.BackendConfig{Model: "test-model"},
		Context: config.ContextConfig{SystemPrompt: "sys", StreamUpdateEvery: 10},
		RateLimit: config.RateLimitConfig{
			Enabled:       true,
			PerTenSeconds: 5,
			PerMinute:     30,
			PerHour:       100,
		},
		I18n: config.I18nConfig{DefaultLanguage: "en", Languages: []string{"zh", "en"}},
	}

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	require.NoError(t, err)

	env := &testEnv{
		cfg:       cfg,
		transport: &fakeTransport{},
		backend:   &fakeBackend{},
		store:     conversation.NewStore(middleware.NewRateLimiter(cfg)),
		stats:     storage.NewMemoryStorage(cfg, logger),
		localizer: localizer,
		logger:    logger,
		hook:      hook,
	}

	env.relay = NewStreamRelay(cfg, env.backend, env.transport, env.store, localizer, nil, logger)
	commands := NewCommandHandler(env.transport, env.store, env.stats, localizer, nil, logger)
	messages := NewMessageHandler(cfg, env.transport, env.store, env.relay, env.stats, localizer, nil, logger)
	env.router = NewRouter(commands, messages, env.transport, localizer, nil, logger)
	return env
}

func (e *testEnv) event(userID int64, text string) models.InboundEvent {
	return models.InboundEvent{
		UpdateID:     1,
		ChatID:       userID * 10,
		MessageID:    7,
		UserID:       userID,
		DisplayName:  "Ann",
		LanguageCode: "en",
		Text:         text,
	}
}

// entriesWithPolicy returns logged entries carrying the given delivery policy.
func (e *testEnv) entriesWithPolicy(policy string) []*logrus.Entry {
	var out []*logrus.Entry
	for _, entry := range e.hook.AllEntries() {
		if entry.Data["policy"] == policy {
			out = append(out, entry)
		}
	}
	return out
}
