// Package telegram is a minimal Telegram Bot API client with a long-poll runner.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the public Bot API endpoint
const DefaultBaseURL = "https://api.telegram.org"

// APIError is an ok=false response of the Bot API
type APIError struct {
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api error %d: %s", e.Code, e.Description)
}

type Client struct {
	token   string
	baseURL string
	http    *http.Client
}

// NewClient creates a client. An empty baseURL selects DefaultBaseURL.
func NewClient(token, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		token:   token,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http: &http.Client{
			Timeout: 70 * time.Second,
		},
	}
}

type apiResponse[T any] struct {
	Ok          bool   `json:"ok"`
	Result      T      `json:"result"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// call POSTs params as JSON to the named method and decodes the result into out
func call[T any](ctx context.Context, c *Client, method string, params any, out *T) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var res apiResponse[T]
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("%s: decoding response (http %s): %w", method, resp.Status, err)
	}
	if !res.Ok {
		code := res.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Code: code, Description: res.Description}
	}
	if out != nil {
		*out = res.Result
	}
	return nil
}

type sendMessageParams struct {
	ChatID      string                `json:"chat_id"`
	Text        string                `json:"text"`
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// SendMessage sends text with an optional inline keyboard
func (c *Client) SendMessage(ctx context.Context, chatID, text string, markup *InlineKeyboardMarkup) (*Message, error) {
	var msg Message
	err := call(ctx, c, "sendMessage", sendMessageParams{ChatID: chatID, Text: text, ReplyMarkup: markup}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

type editMessageTextParams struct {
	ChatID      string                `json:"chat_id"`
	MessageID   int64                 `json:"message_id"`
	Text        string                `json:"text"`
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// EditMessageText replaces the text and keyboard of a sent message. Editing
// to identical content is not an error.
func (c *Client) EditMessageText(ctx context.Context, chatID string, messageID int64, text string, markup *InlineKeyboardMarkup) error {
	var ignored json.RawMessage
	err := call(ctx, c, "editMessageText", editMessageTextParams{
		ChatID: chatID, MessageID: messageID, Text: text, ReplyMarkup: markup,
	}, &ignored)
	var apiErr *APIError
	if errors.As(err, &apiErr) && strings.Contains(apiErr.Description, "message is not modified") {
		return nil
	}
	return err
}

type answerCallbackQueryParams struct {
	CallbackQueryID string `json:"callback_query_id"`
	Text            string `json:"text,omitempty"`
}

// AnswerCallbackQuery acknowledges a button press
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	var ignored bool
	return call(ctx, c, "answerCallbackQuery", answerCallbackQueryParams{CallbackQueryID: callbackID, Text: text}, &ignored)
}

type getUpdatesParams struct {
	Offset         int64    `json:"offset,omitempty"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates"`
}

// AllowedUpdates are the update kinds the bot consumes
var AllowedUpdates = []string{"message", "edited_message", "callback_query"}

// GetUpdates long-polls for updates after offset
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	var updates []Update
	err := call(ctx, c, "getUpdates", getUpdatesParams{
		Offset:         offset,
		Timeout:        int(timeout.Seconds()),
		AllowedUpdates: AllowedUpdates,
	}, &updates)
	return updates, err
}

type setWebhookParams struct {
	URL            string   `json:"url"`
	SecretToken    string   `json:"secret_token,omitempty"`
	AllowedUpdates []string `json:"allowed_updates"`
}

// SetWebhook registers url for push delivery of updates
func (c *Client) SetWebhook(ctx context.Context, url, secretToken string) error {
	var ignored bool
	return call(ctx, c, "setWebhook", setWebhookParams{URL: url, SecretToken: secretToken, AllowedUpdates: AllowedUpdates}, &ignored)
}

// DeleteWebhook switches the bot back to getUpdates delivery
func (c *Client) DeleteWebhook(ctx context.Context) error {
	var ignored bool
	return call(ctx, c, "deleteWebhook", struct{}{}, &ignored)
}
