package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/c.mueller/pm-connect/internal/models"
	"github.com/c.mueller/pm-connect/internal/normalize"
	"github.com/c.mueller/pm-connect/internal/pmconnect"
	"github.com/c.mueller/pm-connect/internal/webhooks"
)

// PublicBody is the envelope of every /connect response
type PublicBody struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Challenge string `json:"challenge,omitempty" doc:"Echoed verification challenge"`
}

// PublicResponse carries its own status so failures keep the envelope shape
type PublicResponse struct {
	Status int
	Body   PublicBody
}

func ok(data any) *PublicResponse {
	return &PublicResponse{Status: http.StatusOK, Body: PublicBody{Success: true, Data: data}}
}

func fail(status int, err error) *PublicResponse {
	return &PublicResponse{Status: status, Body: PublicBody{Error: err.Error()}}
}

// publicStatus maps core errors onto the status code of a /connect failure
func publicStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pmconnect.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, pmconnect.ErrNotAssigned):
		return http.StatusForbidden
	case errors.Is(err, pmconnect.ErrInvalidLocation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pmconnect.ErrInvalidTransition),
		errors.Is(err, pmconnect.ErrTaskCompleted),
		errors.Is(err, pmconnect.ErrPhotoRequired),
		errors.Is(err, pmconnect.ErrTrackingInactive):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) registerConnectRoutes(api huma.API) {
	// POST /connect/{connectId} - Webhook intake
	huma.Register(api, huma.Operation{
		OperationID: "connect-intake",
		Method:      http.MethodPost,
		Path:        "/connect/{connectId}",
		Summary:     "Receive a task webhook",
		Description: "Normalize a PM tool webhook, record the task and deliver it to the assigned worker",
		Tags:        []string{"connect"},
	}, s.intake)

	// GET /connect/{connectId} - Connect URL verification
	huma.Register(api, huma.Operation{
		OperationID: "connect-info",
		Method:      http.MethodGet,
		Path:        "/connect/{connectId}",
		Summary:     "Verify a connect URL",
		Tags:        []string{"connect"},
	}, s.connectInfo)

	// GET /connect/{connectId}/tasks/{taskId}/location - Tracking snapshot
	huma.Register(api, huma.Operation{
		OperationID: "connect-location-get",
		Method:      http.MethodGet,
		Path:        "/connect/{connectId}/tasks/{taskId}/location",
		Summary:     "Get the tracked location of a task",
		Tags:        []string{"connect"},
	}, s.getLocation)

	// POST /connect/{connectId}/tasks/{taskId}/location - Record a point
	huma.Register(api, huma.Operation{
		OperationID: "connect-location-post",
		Method:      http.MethodPost,
		Path:        "/connect/{connectId}/tasks/{taskId}/location",
		Summary:     "Record a location point for a started task",
		Tags:        []string{"connect"},
	}, s.postLocation)

	// POST /connect/{connectId}/tasks/{taskId}/status - Worker action
	huma.Register(api, huma.Operation{
		OperationID: "connect-status",
		Method:      http.MethodPost,
		Path:        "/connect/{connectId}/tasks/{taskId}/status",
		Summary:     "Apply a worker action to a task",
		Tags:        []string{"connect"},
	}, s.postStatus)
}

type IntakeInput struct {
	ConnectID        string `path:"connectId" doc:"Connect id of the integration"`
	HookSecret       string `header:"X-Hook-Secret" doc:"Handshake secret to echo"`
	HookSignature    string `header:"X-Hook-Signature"`
	WebhookSignature string `header:"X-Webhook-Signature"`
	RawBody          []byte
}

type IntakeResponse struct {
	Status     int
	HookSecret string `header:"X-Hook-Secret"`
	Body       PublicBody
}

func (s *Server) intake(ctx context.Context, input *IntakeInput) (*IntakeResponse, error) {
	header := http.Header{}
	if input.HookSecret != "" {
		header.Set(pmconnect.HeaderHookSecret, input.HookSecret)
	}
	if input.HookSignature != "" {
		header.Set(pmconnect.HeaderHookSignature, input.HookSignature)
	}
	if input.WebhookSignature != "" {
		header.Set(webhooks.HeaderSignature, input.WebhookSignature)
	}

	result, err := s.Service.Intake(ctx, input.ConnectID, input.RawBody, header)
	switch {
	case err == nil:
	case errors.Is(err, pmconnect.ErrNoMatchingWorker):
		// The task is recorded; tell the caller nobody received it
		return &IntakeResponse{Status: http.StatusOK, Body: PublicBody{Data: result, Error: err.Error()}}, nil
	case errors.Is(err, normalize.ErrMalformedPayload), errors.Is(err, normalize.ErrUnrecognizedPayload):
		return &IntakeResponse{Status: http.StatusOK, Body: PublicBody{Error: err.Error()}}, nil
	default:
		status := publicStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("intake failed", "connect_id", input.ConnectID, "error", err)
		}
		if status == http.StatusNotFound {
			err = errors.New("integration not found")
		}
		return &IntakeResponse{Status: status, Body: PublicBody{Error: err.Error()}}, nil
	}

	resp := &IntakeResponse{Status: http.StatusOK, Body: PublicBody{Success: true}}
	switch {
	case result.HookSecret != "":
		resp.HookSecret = result.HookSecret
	case result.Challenge != "":
		resp.Body.Challenge = result.Challenge
	default:
		resp.Body.Data = result
	}
	return resp, nil
}

type ConnectInput struct {
	ConnectID string `path:"connectId"`
}

// ConnectInfo is the public view of an integration
type ConnectInfo struct {
	Name          string          `json:"name"`
	Platform      models.Platform `json:"platform"`
	PlatformName  string          `json:"platform_name"`
	ActiveWorkers int             `json:"active_workers"`
}

func (s *Server) connectInfo(ctx context.Context, input *ConnectInput) (*PublicResponse, error) {
	in, err := s.Registry.ByConnectID(ctx, input.ConnectID)
	if err != nil || !in.IsActive {
		return fail(http.StatusNotFound, errors.New("integration not found")), nil
	}
	return ok(ConnectInfo{
		Name:          in.Name,
		Platform:      in.Platform,
		PlatformName:  in.Platform.DisplayName(),
		ActiveWorkers: len(in.Workers.Active()),
	}), nil
}

type GetLocationInput struct {
	ConnectID string `path:"connectId"`
	TaskID    string `path:"taskId"`
	History   bool   `query:"history" doc:"Include the breadcrumb history"`
	Limit     int    `query:"limit" minimum:"0" maximum:"1000" doc:"History points to return (default 100)"`
}

func (s *Server) getLocation(ctx context.Context, input *GetLocationInput) (*PublicResponse, error) {
	snap, err := s.Service.LocationSnapshot(ctx, input.ConnectID, input.TaskID, input.History, input.Limit)
	if err != nil {
		return s.publicFailure("location lookup failed", err), nil
	}
	return ok(snap), nil
}

// LocationInput is a GPS sample reported by the Mini App
type LocationInput struct {
	Lat       float64    `json:"lat" doc:"Latitude in decimal degrees"`
	Lng       float64    `json:"lng" doc:"Longitude in decimal degrees"`
	Accuracy  *float64   `json:"accuracy,omitempty" doc:"Horizontal accuracy in meters"`
	Speed     *float64   `json:"speed,omitempty" doc:"Speed in meters per second"`
	Heading   *float64   `json:"heading,omitempty" doc:"Heading in degrees"`
	Timestamp *time.Time `json:"timestamp,omitempty" doc:"Sample time, defaults to now"`
}

func (l LocationInput) point() models.LocationPoint {
	p := models.LocationPoint{
		Lat:      l.Lat,
		Lng:      l.Lng,
		Accuracy: l.Accuracy,
		Speed:    l.Speed,
		Heading:  l.Heading,
	}
	if l.Timestamp != nil {
		p.Timestamp = l.Timestamp.UTC()
	}
	return p
}

type PostLocationInput struct {
	ConnectID  string `path:"connectId"`
	TaskID     string `path:"taskId"`
	TelegramID string `header:"X-Telegram-Id" required:"true" doc:"Chat id of the acting worker"`
	Body       LocationInput
}

func (s *Server) postLocation(ctx context.Context, input *PostLocationInput) (*PublicResponse, error) {
	if _, _, err := s.Service.Lookup(ctx, input.ConnectID, input.TaskID); err != nil {
		return s.publicFailure("location update failed", err), nil
	}
	snap, err := s.Service.RecordLocation(ctx, input.TaskID, input.TelegramID, input.Body.point())
	if err != nil {
		return s.publicFailure("location update failed", err), nil
	}
	return ok(snap), nil
}

type PostStatusInput struct {
	ConnectID  string `path:"connectId"`
	TaskID     string `path:"taskId"`
	TelegramID string `header:"X-Telegram-Id" required:"true" doc:"Chat id of the acting worker"`
	Body       struct {
		Action             string `json:"action" enum:"view,start,problem,resume,done" doc:"Worker action"`
		ProblemDescription string `json:"problem_description,omitempty" maxLength:"2000" doc:"Problem details, with action problem"`
	}
}

func (s *Server) postStatus(ctx context.Context, input *PostStatusInput) (*PublicResponse, error) {
	if _, _, err := s.Service.Lookup(ctx, input.ConnectID, input.TaskID); err != nil {
		return s.publicFailure("status update failed", err), nil
	}
	action, _ := pmconnect.ParseAction(input.Body.Action)
	result, err := s.Service.Transition(ctx, input.TaskID, input.TelegramID, action)
	if err != nil {
		return s.publicFailure("status update failed", err), nil
	}
	if action == pmconnect.ActionProblem && input.Body.ProblemDescription != "" && result.Task.Status == models.StatusProblem {
		task, err := s.Service.CaptureProblem(ctx, input.TaskID, input.Body.ProblemDescription)
		if err != nil {
			return s.publicFailure("status update failed", err), nil
		}
		result.Task = task
	}
	return ok(result), nil
}

func (s *Server) publicFailure(msg string, err error) *PublicResponse {
	status := publicStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(msg, "error", err)
	}
	return fail(status, err)
}
