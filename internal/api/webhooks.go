package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/c.mueller/pm-connect/internal/models"
)

func (s *Server) registerWebhookRoutes(api huma.API) {
	// GET /api/companies/{companyId}/webhooks - List webhooks
	huma.Register(api, huma.Operation{
		OperationID: "list-webhooks",
		Method:      http.MethodGet,
		Path:        "/api/companies/{companyId}/webhooks",
		Summary:     "List webhooks of a company",
		Tags:        []string{"webhooks"},
	}, s.listWebhooks)

	// POST /api/companies/{companyId}/webhooks - Register webhook
	huma.Register(api, huma.Operation{
		OperationID:   "create-webhook",
		Method:        http.MethodPost,
		Path:          "/api/companies/{companyId}/webhooks",
		Summary:       "Register a webhook",
		Tags:          []string{"webhooks"},
		DefaultStatus: http.StatusCreated,
	}, s.createWebhook)

	// GET /api/webhooks/{id} - Get webhook
	huma.Register(api, huma.Operation{
		OperationID: "get-webhook",
		Method:      http.MethodGet,
		Path:        "/api/webhooks/{id}",
		Summary:     "Get a webhook",
		Tags:        []string{"webhooks"},
	}, s.getWebhook)

	// PATCH /api/webhooks/{id} - Update webhook
	huma.Register(api, huma.Operation{
		OperationID: "update-webhook",
		Method:      http.MethodPatch,
		Path:        "/api/webhooks/{id}",
		Summary:     "Update a webhook",
		Tags:        []string{"webhooks"},
	}, s.updateWebhook)

	// DELETE /api/webhooks/{id} - Delete webhook
	huma.Register(api, huma.Operation{
		OperationID:   "delete-webhook",
		Method:        http.MethodDelete,
		Path:          "/api/webhooks/{id}",
		Summary:       "Delete a webhook",
		Tags:          []string{"webhooks"},
		DefaultStatus: http.StatusNoContent,
	}, s.deleteWebhook)

	// POST /api/webhooks/{id}/enable - Re-enable webhook
	huma.Register(api, huma.Operation{
		OperationID: "enable-webhook",
		Method:      http.MethodPost,
		Path:        "/api/webhooks/{id}/enable",
		Summary:     "Re-enable a webhook",
		Description: "Enable a webhook and reset its failure counter",
		Tags:        []string{"webhooks"},
	}, s.enableWebhook)

	// POST /api/webhooks/{id}/test - Send test event
	huma.Register(api, huma.Operation{
		OperationID: "test-webhook",
		Method:      http.MethodPost,
		Path:        "/api/webhooks/{id}/test",
		Summary:     "Send a webhook.test event",
		Tags:        []string{"webhooks"},
	}, s.testWebhook)

	// GET /api/webhooks/{id}/deliveries - Delivery log
	huma.Register(api, huma.Operation{
		OperationID: "list-deliveries",
		Method:      http.MethodGet,
		Path:        "/api/webhooks/{id}/deliveries",
		Summary:     "List recent deliveries of a webhook",
		Tags:        []string{"webhooks"},
	}, s.listDeliveries)

	// POST /api/deliveries/{id}/retry - Retry delivery
	huma.Register(api, huma.Operation{
		OperationID: "retry-delivery",
		Method:      http.MethodPost,
		Path:        "/api/deliveries/{id}/retry",
		Summary:     "Retry a logged delivery",
		Tags:        []string{"webhooks"},
	}, s.retryDelivery)
}

func redact(list []models.Webhook) []models.Webhook {
	out := make([]models.Webhook, 0, len(list))
	for _, w := range list {
		out = append(out, w.Redacted())
	}
	return out
}

type CompanyInput struct {
	OwnerInput
	CompanyID string `path:"companyId" doc:"Company ID"`
}

type ListWebhooksResponse struct {
	Body []models.Webhook
}

func (s *Server) listWebhooks(ctx context.Context, input *CompanyInput) (*ListWebhooksResponse, error) {
	list, err := s.Webhooks.List(ctx, input.CompanyID)
	if err != nil {
		return nil, s.apiError("Failed to list webhooks", err)
	}
	return &ListWebhooksResponse{Body: redact(list)}, nil
}

type CreateWebhookInput struct {
	OwnerInput
	CompanyID string `path:"companyId" doc:"Company ID"`
	Body      models.CreateWebhookInput
}

type WebhookResponse struct {
	Body models.Webhook
}

func (s *Server) createWebhook(ctx context.Context, input *CreateWebhookInput) (*WebhookResponse, error) {
	w, err := s.Webhooks.Create(ctx, input.CompanyID, input.Body)
	if err != nil {
		return nil, s.apiError("Failed to create webhook", err)
	}
	return &WebhookResponse{Body: w.Redacted()}, nil
}

type WebhookIDInput struct {
	OwnerInput
	ID string `path:"id" doc:"Webhook ID"`
}

func (s *Server) getWebhook(ctx context.Context, input *WebhookIDInput) (*WebhookResponse, error) {
	w, err := s.Webhooks.Get(ctx, input.ID)
	if err != nil {
		return nil, s.apiError("Webhook not found", err)
	}
	return &WebhookResponse{Body: w.Redacted()}, nil
}

type UpdateWebhookInput struct {
	OwnerInput
	ID   string `path:"id" doc:"Webhook ID"`
	Body models.UpdateWebhookInput
}

func (s *Server) updateWebhook(ctx context.Context, input *UpdateWebhookInput) (*WebhookResponse, error) {
	w, err := s.Webhooks.Update(ctx, input.ID, input.Body)
	if err != nil {
		return nil, s.apiError("Failed to update webhook", err)
	}
	return &WebhookResponse{Body: w.Redacted()}, nil
}

func (s *Server) deleteWebhook(ctx context.Context, input *WebhookIDInput) (*struct{}, error) {
	if err := s.Webhooks.Delete(ctx, input.ID); err != nil {
		return nil, s.apiError("Failed to delete webhook", err)
	}
	return nil, nil
}

func (s *Server) enableWebhook(ctx context.Context, input *WebhookIDInput) (*WebhookResponse, error) {
	w, err := s.Webhooks.Enable(ctx, input.ID)
	if err != nil {
		return nil, s.apiError("Failed to enable webhook", err)
	}
	return &WebhookResponse{Body: w.Redacted()}, nil
}

type DeliveryResponse struct {
	Body *models.Delivery
}

func (s *Server) testWebhook(ctx context.Context, input *WebhookIDInput) (*DeliveryResponse, error) {
	d, err := s.Webhooks.Test(ctx, input.ID)
	if err != nil {
		return nil, s.apiError("Failed to send test event", err)
	}
	return &DeliveryResponse{Body: d}, nil
}

type ListDeliveriesInput struct {
	OwnerInput
	ID    string `path:"id" doc:"Webhook ID"`
	Limit int    `query:"limit" minimum:"0" maximum:"500" default:"50"`
}

type ListDeliveriesResponse struct {
	Body []models.Delivery
}

func (s *Server) listDeliveries(ctx context.Context, input *ListDeliveriesInput) (*ListDeliveriesResponse, error) {
	list, err := s.Webhooks.Deliveries(ctx, input.ID, input.Limit)
	if err != nil {
		return nil, s.apiError("Failed to list deliveries", err)
	}
	if list == nil {
		list = []models.Delivery{}
	}
	return &ListDeliveriesResponse{Body: list}, nil
}

type DeliveryIDInput struct {
	OwnerInput
	ID string `path:"id" doc:"Delivery ID"`
}

func (s *Server) retryDelivery(ctx context.Context, input *DeliveryIDInput) (*DeliveryResponse, error) {
	d, err := s.Webhooks.Retry(ctx, input.ID)
	if err != nil {
		return nil, s.apiError("Failed to retry delivery", err)
	}
	return &DeliveryResponse{Body: d}, nil
}
