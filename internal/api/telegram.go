package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/c.mueller/pm-connect/internal/telegram"
)

func (s *Server) registerTelegramRoutes(api huma.API) {
	// POST /telegram/webhook - Bot updates pushed by Telegram
	huma.Register(api, huma.Operation{
		OperationID: "telegram-webhook",
		Method:      http.MethodPost,
		Path:        "/telegram/webhook",
		Summary:     "Receive a bot update",
		Description: "Inbound Telegram updates in webhook mode. Always answers 200 so Telegram does not redeliver.",
		Tags:        []string{"telegram"},
	}, s.telegramWebhook)
}

type TelegramWebhookInput struct {
	SecretToken string `header:"X-Telegram-Bot-Api-Secret-Token"`
	RawBody     []byte
}

type TelegramWebhookResponse struct {
	Body struct {
		OK bool `json:"ok"`
	}
}

func (s *Server) telegramWebhook(ctx context.Context, input *TelegramWebhookInput) (*TelegramWebhookResponse, error) {
	if s.BotSecret != "" && subtle.ConstantTimeCompare([]byte(input.SecretToken), []byte(s.BotSecret)) != 1 {
		return nil, huma.Error401Unauthorized("Invalid secret token")
	}

	resp := &TelegramWebhookResponse{}
	resp.Body.OK = true
	if s.Bot == nil {
		return resp, nil
	}

	var u telegram.Update
	if err := json.Unmarshal(input.RawBody, &u); err != nil {
		s.logger.Warn("ignoring undecodable bot update", "error", err)
		return resp, nil
	}
	s.Bot(ctx, u)
	return resp, nil
}
