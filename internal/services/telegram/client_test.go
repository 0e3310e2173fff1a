package telegram

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/breathai-tgbot-go/internal/config"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBotAPI answers Bot API methods with canned JSON and records form params.
type fakeBotAPI struct {
	mu        sync.Mutex
	responses map[string]string
	params    map[string][]map[string]string
	block     chan struct{}
}

func newFakeBotAPI() *fakeBotAPI {
	return &fakeBotAPI{
		responses: map[string]string{
			"getMe": `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Bot","username":"relay_bot"}}`,
		},
		params: make(map[string][]map[string]string),
	}
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	_ = r.ParseForm()

	values := make(map[string]string)
	for k := range r.Form {
		values[k] = r.Form.Get(k)
	}

	f.mu.Lock()
	f.params[method] = append(f.params[method], values)
	resp, ok := f.responses[method]
	block := f.block
	f.mu.Unlock()

	if method == "getUpdates" && block != nil {
		<-block
	}
	if !ok {
		resp = `{"ok":true,"result":true}`
	}
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, resp)
}

func (f *fakeBotAPI) calls(method string) []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params[method]
}

func newTestClient(t *testing.T, api *fakeBotAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	log, _ := test.NewNullLogger()
	client, err := NewClientWithHTTP(&config.BotConfig{
		Token:       "TOKEN",
		APIEndpoint: srv.URL + "/bot%s/%s",
	}, srv.Client(), log)
	require.NoError(t, err)
	return client
}

func TestClient_Authorizes(t *testing.T) {
	client := newTestClient(t, newFakeBotAPI())
	assert.Equal(t, "relay_bot", client.UserName())
}

func TestClient_SendMessage(t *testing.T) {
	api := newFakeBotAPI()
	api.responses["sendMessage"] = `{"ok":true,"result":{"message_id":42,"date":0,"chat":{"id":5,"type":"private"}}}`
	client := newTestClient(t, api)

	id, err := client.SendMessage(context.Background(), 5, "hello", SendOptions{ReplyTo: 3, ParseMode: ParseModeHTML})
	require.NoError(t, err)
	assert.Equal(t, 42, id)

	calls := api.calls("sendMessage")
	require.Len(t, calls, 1)
	assert.Equal(t, "5", calls[0]["chat_id"])
	assert.Equal(t, "hello", calls[0]["text"])
	assert.Equal(t, "3", calls[0]["reply_to_message_id"])
	assert.Equal(t, "HTML", calls[0]["parse_mode"])
}

func TestClient_SendMessageError(t *testing.T) {
	api := newFakeBotAPI()
	api.responses["sendMessage"] = `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`
	client := newTestClient(t, api)

	_, err := client.SendMessage(context.Background(), 5, "hello", SendOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
}

func TestClient_EditMessage(t *testing.T) {
	api := newFakeBotAPI()
	api.responses["editMessageText"] = `{"ok":true,"result":{"message_id":42,"date":0,"chat":{"id":5,"type":"private"}}}`
	client := newTestClient(t, api)

	require.NoError(t, client.EditMessage(context.Background(), 5, 42, "<b>hi</b>", ParseModeHTML))

	calls := api.calls("editMessageText")
	require.Len(t, calls, 1)
	assert.Equal(t, "42", calls[0]["message_id"])
	assert.Equal(t, "<b>hi</b>", calls[0]["text"])
	assert.Equal(t, "HTML", calls[0]["parse_mode"])
}

func TestClient_EditMessageNotModifiedIsSuccess(t *testing.T) {
	api := newFakeBotAPI()
	api.responses["editMessageText"] = `{"ok":false,"error_code":400,"description":"Bad Request: message is not modified: specified new message content and reply markup are exactly the same"}`
	client := newTestClient(t, api)

	assert.NoError(t, client.EditMessage(context.Background(), 5, 42, "same", ""))
}

func TestClient_EditMessageError(t *testing.T) {
	api := newFakeBotAPI()
	api.responses["editMessageText"] = `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`
	client := newTestClient(t, api)

	err := client.EditMessage(context.Background(), 5, 42, "<b>", ParseModeHTML)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can't parse entities")
}

func TestClient_SendChatAction(t *testing.T) {
	api := newFakeBotAPI()
	client := newTestClient(t, api)

	require.NoError(t, client.SendChatAction(context.Background(), 5, "typing"))

	calls := api.calls("sendChatAction")
	require.Len(t, calls, 1)
	assert.Equal(t, "typing", calls[0]["action"])
}

func TestClient_GetUpdates(t *testing.T) {
	api := newFakeBotAPI()
	api.responses["getUpdates"] = `{"ok":true,"result":[
		{"update_id":10,"message":{"message_id":1,"date":0,"text":"hi",
			"chat":{"id":5,"type":"private"},
			"from":{"id":77,"is_bot":false,"first_name":"Ann","language_code":"en"}}},
		{"update_id":11,"edited_message":{"message_id":1,"date":0,"text":"edit","chat":{"id":5,"type":"private"}}},
		{"update_id":12,"message":{"message_id":2,"date":0,
			"chat":{"id":5,"type":"private"},
			"from":{"id":78,"is_bot":false,"first_name":"","username":"bob"}}}
	]}`
	client := newTestClient(t, api)

	events, err := client.GetUpdates(context.Background(), 10, 30)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, 10, events[0].UpdateID)
	assert.Equal(t, int64(5), events[0].ChatID)
	assert.Equal(t, int64(77), events[0].UserID)
	assert.Equal(t, "Ann", events[0].DisplayName)
	assert.Equal(t, "en", events[0].LanguageCode)
	assert.Equal(t, "hi", events[0].Text)

	assert.Equal(t, 11, events[1].UpdateID)
	assert.Empty(t, events[1].Text)

	assert.Equal(t, "bob", events[2].DisplayName)
	assert.Empty(t, events[2].Text)

	calls := api.calls("getUpdates")
	require.Len(t, calls, 1)
	assert.Equal(t, "10", calls[0]["offset"])
	assert.Equal(t, "30", calls[0]["timeout"])
}

func TestClient_GetUpdatesCancelled(t *testing.T) {
	api := newFakeBotAPI()
	api.block = make(chan struct{})
	defer close(api.block)
	client := newTestClient(t, api)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.GetUpdates(ctx, 0, 30)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
