package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/c.mueller/pm-connect/internal/models"
)

func (s *Server) registerIntegrationRoutes(api huma.API) {
	// GET /api/integrations - List integrations
	huma.Register(api, huma.Operation{
		OperationID: "list-integrations",
		Method:      http.MethodGet,
		Path:        "/api/integrations",
		Summary:     "List integrations",
		Description: "Get all integrations owned by the calling Telegram user",
		Tags:        []string{"integrations"},
	}, s.listIntegrations)

	// POST /api/integrations - Create integration
	huma.Register(api, huma.Operation{
		OperationID:   "create-integration",
		Method:        http.MethodPost,
		Path:          "/api/integrations",
		Summary:       "Create an integration",
		Description:   "Create an integration and its public connect URL",
		Tags:          []string{"integrations"},
		DefaultStatus: http.StatusCreated,
	}, s.createIntegration)

	// GET /api/integrations/{id} - Get integration
	huma.Register(api, huma.Operation{
		OperationID: "get-integration",
		Method:      http.MethodGet,
		Path:        "/api/integrations/{id}",
		Summary:     "Get an integration",
		Tags:        []string{"integrations"},
	}, s.getIntegration)

	// PATCH /api/integrations/{id} - Update integration
	huma.Register(api, huma.Operation{
		OperationID: "update-integration",
		Method:      http.MethodPatch,
		Path:        "/api/integrations/{id}",
		Summary:     "Update an integration",
		Tags:        []string{"integrations"},
	}, s.updateIntegration)

	// DELETE /api/integrations/{id} - Deactivate integration
	huma.Register(api, huma.Operation{
		OperationID: "delete-integration",
		Method:      http.MethodDelete,
		Path:        "/api/integrations/{id}",
		Summary:     "Deactivate an integration",
		Description: "Deactivate an integration; its tasks and statistics are kept",
		Tags:        []string{"integrations"},
	}, s.deleteIntegration)

	// POST /api/integrations/{id}/workers - Add worker
	huma.Register(api, huma.Operation{
		OperationID:   "add-worker",
		Method:        http.MethodPost,
		Path:          "/api/integrations/{id}/workers",
		Summary:       "Add a worker",
		Tags:          []string{"integrations"},
		DefaultStatus: http.StatusCreated,
	}, s.addWorker)

	// DELETE /api/integrations/{id}/workers/{externalId} - Remove worker
	huma.Register(api, huma.Operation{
		OperationID: "remove-worker",
		Method:      http.MethodDelete,
		Path:        "/api/integrations/{id}/workers/{externalId}",
		Summary:     "Remove a worker",
		Description: "Remove a worker; workers with task history are deactivated instead",
		Tags:        []string{"integrations"},
	}, s.removeWorker)

	// GET /api/integrations/{id}/tasks - List tasks
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/api/integrations/{id}/tasks",
		Summary:     "List tasks of an integration",
		Tags:        []string{"tasks"},
	}, s.listTasks)

	// GET /api/tasks/{id} - Get task
	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/api/tasks/{id}",
		Summary:     "Get a task",
		Tags:        []string{"tasks"},
	}, s.getTask)
}

// OwnerInput identifies the calling Telegram user
type OwnerInput struct {
	TelegramID string `header:"X-Telegram-Id" required:"true" doc:"Chat id of the integration owner"`
}

type IntegrationResponse struct {
	Body *models.Integration
}

type ListIntegrationsResponse struct {
	Body []models.Integration
}

func (s *Server) listIntegrations(ctx context.Context, input *OwnerInput) (*ListIntegrationsResponse, error) {
	list, err := s.Registry.List(ctx, input.TelegramID)
	if err != nil {
		return nil, s.apiError("Failed to list integrations", err)
	}
	if list == nil {
		list = []models.Integration{}
	}
	return &ListIntegrationsResponse{Body: list}, nil
}

type CreateIntegrationInput struct {
	OwnerInput
	Body models.CreateIntegrationInput
}

func (s *Server) createIntegration(ctx context.Context, input *CreateIntegrationInput) (*IntegrationResponse, error) {
	in, err := s.Registry.Create(ctx, input.TelegramID, input.Body)
	if err != nil {
		return nil, s.apiError("Failed to create integration", err)
	}
	return &IntegrationResponse{Body: in}, nil
}

type IntegrationIDInput struct {
	OwnerInput
	ID string `path:"id" doc:"Integration ID"`
}

func (s *Server) getIntegration(ctx context.Context, input *IntegrationIDInput) (*IntegrationResponse, error) {
	in, err := s.Registry.Get(ctx, input.TelegramID, input.ID)
	if err != nil {
		return nil, s.apiError("Integration not found", err)
	}
	return &IntegrationResponse{Body: in}, nil
}

type UpdateIntegrationInput struct {
	OwnerInput
	ID   string `path:"id" doc:"Integration ID"`
	Body models.UpdateIntegrationInput
}

func (s *Server) updateIntegration(ctx context.Context, input *UpdateIntegrationInput) (*IntegrationResponse, error) {
	in, err := s.Registry.Update(ctx, input.TelegramID, input.ID, input.Body)
	if err != nil {
		return nil, s.apiError("Failed to update integration", err)
	}
	return &IntegrationResponse{Body: in}, nil
}

func (s *Server) deleteIntegration(ctx context.Context, input *IntegrationIDInput) (*IntegrationResponse, error) {
	in, err := s.Registry.Deactivate(ctx, input.TelegramID, input.ID)
	if err != nil {
		return nil, s.apiError("Failed to deactivate integration", err)
	}
	return &IntegrationResponse{Body: in}, nil
}

type AddWorkerInput struct {
	OwnerInput
	ID   string `path:"id" doc:"Integration ID"`
	Body models.AddWorkerInput
}

func (s *Server) addWorker(ctx context.Context, input *AddWorkerInput) (*IntegrationResponse, error) {
	in, err := s.Registry.AddWorker(ctx, input.TelegramID, input.ID, input.Body)
	if err != nil {
		return nil, s.apiError("Failed to add worker", err)
	}
	return &IntegrationResponse{Body: in}, nil
}

type RemoveWorkerInput struct {
	OwnerInput
	ID         string `path:"id" doc:"Integration ID"`
	ExternalID string `path:"externalId" doc:"External user id of the worker"`
}

type RemoveWorkerResponse struct {
	Body struct {
		Integration *models.Integration `json:"integration"`
		Deactivated bool                `json:"deactivated" doc:"The worker had tasks and was deactivated instead of removed"`
	}
}

func (s *Server) removeWorker(ctx context.Context, input *RemoveWorkerInput) (*RemoveWorkerResponse, error) {
	in, deactivated, err := s.Registry.RemoveWorker(ctx, input.TelegramID, input.ID, input.ExternalID)
	if err != nil {
		return nil, s.apiError("Failed to remove worker", err)
	}
	resp := &RemoveWorkerResponse{}
	resp.Body.Integration = in
	resp.Body.Deactivated = deactivated
	return resp, nil
}

type ListTasksInput struct {
	OwnerInput
	ID     string `path:"id" doc:"Integration ID"`
	Status string `query:"status" enum:"sent,seen,started,problem,completed" doc:"Only tasks in this status"`
	Open   bool   `query:"open" doc:"Only tasks that are not completed"`
	Limit  int    `query:"limit" minimum:"0" maximum:"500" default:"50"`
	Offset int    `query:"offset" minimum:"0"`
}

type ListTasksResponse struct {
	Body []models.WorkerTask
}

func (s *Server) listTasks(ctx context.Context, input *ListTasksInput) (*ListTasksResponse, error) {
	if _, err := s.Registry.Get(ctx, input.TelegramID, input.ID); err != nil {
		return nil, s.apiError("Integration not found", err)
	}
	tasks, err := s.Tasks.ListTasks(ctx, models.TaskFilter{
		IntegrationID: input.ID,
		Status:        models.Status(input.Status),
		Open:          input.Open,
		Limit:         input.Limit,
		Offset:        input.Offset,
	})
	if err != nil {
		return nil, s.apiError("Failed to list tasks", err)
	}
	if tasks == nil {
		tasks = []models.WorkerTask{}
	}
	return &ListTasksResponse{Body: tasks}, nil
}

type TaskIDInput struct {
	OwnerInput
	ID string `path:"id" doc:"Task ID"`
}

type TaskResponse struct {
	Body *models.WorkerTask
}

func (s *Server) getTask(ctx context.Context, input *TaskIDInput) (*TaskResponse, error) {
	task, err := s.Tasks.GetTask(ctx, input.ID)
	if err != nil {
		return nil, s.apiError("Task not found", err)
	}
	// Owners see the tasks of their integrations, workers their own
	if task.WorkerChatID != input.TelegramID {
		if _, err := s.Registry.Get(ctx, input.TelegramID, task.IntegrationID); err != nil {
			return nil, s.apiError("Task not found", err)
		}
	}
	return &TaskResponse{Body: task}, nil
}
