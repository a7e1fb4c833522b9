package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiCall struct {
	method string
	params map[string]any
}

// fakeAPI answers Bot API calls with canned results per method
func fakeAPI(t *testing.T, results map[string]string) (*Client, *[]apiCall) {
	t.Helper()
	var mu sync.Mutex
	calls := &[]apiCall{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		method := parts[len(parts)-1]
		assert.Equal(t, "bottoken", parts[1])

		body, _ := io.ReadAll(r.Body)
		var params map[string]any
		_ = json.Unmarshal(body, &params)
		mu.Lock()
		*calls = append(*calls, apiCall{method: method, params: params})
		mu.Unlock()

		res, ok := results[method]
		if !ok {
			res = `{"ok":true,"result":true}`
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, res)
	}))
	t.Cleanup(srv.Close)
	return NewClient("token", srv.URL+"/"), calls
}

func TestSendMessageWithKeyboard(t *testing.T) {
	c, calls := fakeAPI(t, map[string]string{
		"sendMessage": `{"ok":true,"result":{"message_id":77,"chat":{"id":42},"date":1}}`,
	})

	msg, err := c.SendMessage(context.Background(), "42", "hello", &InlineKeyboardMarkup{
		InlineKeyboard: [][]InlineKeyboardButton{{{Text: "Start", CallbackData: "pmc:start:t1"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(77), msg.MessageID)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "sendMessage", call.method)
	assert.Equal(t, "42", call.params["chat_id"])
	kb := call.params["reply_markup"].(map[string]any)["inline_keyboard"].([]any)
	assert.Equal(t, "pmc:start:t1", kb[0].([]any)[0].(map[string]any)["callback_data"])
}

func TestAPIError(t *testing.T) {
	c, _ := fakeAPI(t, map[string]string{
		"sendMessage": `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`,
	})
	_, err := c.SendMessage(context.Background(), "42", "hi", nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 403, apiErr.Code)
	assert.Contains(t, err.Error(), "blocked")
}

func TestEditMessageText_NotModifiedIsNotAnError(t *testing.T) {
	c, _ := fakeAPI(t, map[string]string{
		"editMessageText": `{"ok":false,"error_code":400,"description":"Bad Request: message is not modified"}`,
	})
	assert.NoError(t, c.EditMessageText(context.Background(), "1", 5, "same", nil))
}

func TestGetUpdates(t *testing.T) {
	c, calls := fakeAPI(t, map[string]string{
		"getUpdates": `{"ok":true,"result":[
			{"update_id":10,"message":{"message_id":1,"chat":{"id":5},"text":"start"}},
			{"update_id":11,"callback_query":{"id":"cb","from":{"id":5},"data":"pmc:done:t1"}},
			{"update_id":12,"edited_message":{"message_id":2,"chat":{"id":5},"location":{"latitude":1.5,"longitude":2.5,"horizontal_accuracy":12}}}
		]}`,
	})
	updates, err := c.GetUpdates(context.Background(), 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, updates, 3)
	assert.Equal(t, "start", updates[0].Message.Text)
	assert.Equal(t, "pmc:done:t1", updates[1].CallbackQuery.Data)
	require.NotNil(t, updates[2].EditedMessage.Location)
	assert.Equal(t, 12.0, *updates[2].EditedMessage.Location.HorizontalAccuracy)

	call := (*calls)[0]
	assert.Equal(t, float64(10), call.params["offset"])
	assert.Equal(t, float64(30), call.params["timeout"])
}

func TestLargestPhoto(t *testing.T) {
	m := &Message{Photo: []PhotoSize{
		{FileID: "small", Width: 90, Height: 90},
		{FileID: "big", Width: 1280, Height: 960},
		{FileID: "mid", Width: 320, Height: 240},
	}}
	id, ok := m.LargestPhoto()
	assert.True(t, ok)
	assert.Equal(t, "big", id)

	_, ok = (&Message{}).LargestPhoto()
	assert.False(t, ok)
}
