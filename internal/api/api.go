package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/c.mueller/pm-connect/internal/models"
	"github.com/c.mueller/pm-connect/internal/pmconnect"
	"github.com/c.mueller/pm-connect/internal/registry"
	"github.com/c.mueller/pm-connect/internal/telegram"
	"github.com/c.mueller/pm-connect/internal/webhooks"
)

// Cluster reports the state of the optional webhook replication cluster
type Cluster interface {
	IsReady() bool
	LocalNode() string
	MemberCount() int
	GetMemberInfo() []models.ClusterMemberInfo
}

// Tasks reads worker tasks
type Tasks interface {
	GetTask(ctx context.Context, id string) (*models.WorkerTask, error)
	ListTasks(ctx context.Context, filter models.TaskFilter) ([]models.WorkerTask, error)
}

// Pinger checks the database connection
type Pinger interface {
	Ping() error
}

// Deps holds the API server dependencies. Cluster and Bot may be nil.
type Deps struct {
	Registry *registry.Registry
	Service  *pmconnect.Service
	Tasks    Tasks
	Webhooks *webhooks.Sender
	DB       Pinger
	Cluster  Cluster
	// Bot handles updates pushed to /telegram/webhook
	Bot telegram.UpdateHandler
	// BotSecret must match X-Telegram-Bot-Api-Secret-Token when set
	BotSecret    string
	Version      string
	TelegramMode string
	Logger       *slog.Logger
}

// Server holds the API server dependencies
type Server struct {
	Deps
	logger *slog.Logger
}

// NewServer creates a new API server
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{Deps: deps, logger: logger}
}

// RegisterRoutes registers all API routes with the Huma API
func (s *Server) RegisterRoutes(api huma.API) {
	// GET /health/ready - Health check
	huma.Register(api, huma.Operation{
		OperationID: "health-ready",
		Method:      http.MethodGet,
		Path:        "/health/ready",
		Summary:     "Readiness check",
		Description: "Check if the node can serve requests (database reachable, webhook registry synced)",
		Tags:        []string{"health"},
	}, s.healthReady)

	// GET /health/info - Node info
	huma.Register(api, huma.Operation{
		OperationID: "health-info",
		Method:      http.MethodGet,
		Path:        "/health/info",
		Summary:     "Node information",
		Description: "Get information about this node and the cluster",
		Tags:        []string{"health"},
	}, s.healthInfo)

	s.registerConnectRoutes(api)
	s.registerIntegrationRoutes(api)
	s.registerWebhookRoutes(api)
	s.registerTelegramRoutes(api)
}

// apiError maps core errors onto HTTP errors for the authenticated API
func (s *Server) apiError(msg string, err error) error {
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrWorkerNotFound):
		return huma.Error404NotFound(msg, err)
	case errors.Is(err, registry.ErrInvalidInput),
		errors.Is(err, webhooks.ErrInvalidInput),
		errors.Is(err, models.ErrInvalidChatID),
		errors.Is(err, models.ErrMissingExternalID),
		errors.Is(err, pmconnect.ErrInvalidLocation):
		return huma.Error422UnprocessableEntity(msg, err)
	case errors.Is(err, models.ErrDuplicateWorker),
		errors.Is(err, pmconnect.ErrInvalidTransition),
		errors.Is(err, pmconnect.ErrTaskCompleted),
		errors.Is(err, pmconnect.ErrPhotoRequired),
		errors.Is(err, pmconnect.ErrTrackingInactive):
		return huma.Error409Conflict(msg, err)
	case errors.Is(err, pmconnect.ErrNotAssigned):
		return huma.Error403Forbidden(msg, err)
	}
	s.logger.Error(msg, "error", err)
	return huma.Error500InternalServerError(msg, err)
}

type HealthReadyResponse struct {
	Body struct {
		Ready   bool   `json:"ready" doc:"Whether the node is ready to serve requests"`
		Message string `json:"message,omitempty" doc:"Optional status message"`
	}
}

func (s *Server) healthReady(ctx context.Context, input *struct{}) (*HealthReadyResponse, error) {
	resp := &HealthReadyResponse{}

	if s.DB != nil {
		if err := s.DB.Ping(); err != nil {
			return nil, huma.Error503ServiceUnavailable("Database unavailable", err)
		}
	}

	if s.Cluster == nil {
		resp.Body.Ready = true
		resp.Body.Message = "Running in standalone mode"
		return resp, nil
	}

	if s.Cluster.IsReady() {
		resp.Body.Ready = true
		resp.Body.Message = "Node is ready"
		return resp, nil
	}

	return nil, huma.Error503ServiceUnavailable("Node is syncing the webhook registry, not ready yet")
}

type HealthInfoResponse struct {
	Body struct {
		NodeName     string                     `json:"node_name" doc:"Name of this node"`
		Version      string                     `json:"version" doc:"Service version"`
		Ready        bool                       `json:"ready" doc:"Whether the node is ready to serve requests"`
		ClusterMode  bool                       `json:"cluster_mode" doc:"Whether clustering is enabled"`
		MemberCount  int                        `json:"member_count" doc:"Number of cluster members"`
		Members      []models.ClusterMemberInfo `json:"members,omitempty" doc:"List of cluster members"`
		TelegramMode string                     `json:"telegram_mode" doc:"How bot updates are received"`
		OpenTasks    int                        `json:"open_tasks" doc:"Tasks not yet completed"`
	}
}

func (s *Server) healthInfo(ctx context.Context, input *struct{}) (*HealthInfoResponse, error) {
	resp := &HealthInfoResponse{}
	resp.Body.Version = s.Version
	resp.Body.TelegramMode = s.TelegramMode

	resp.Body.OpenTasks = -1 // Indicate error
	if s.Tasks != nil {
		if open, err := s.Tasks.ListTasks(ctx, models.TaskFilter{Open: true}); err == nil {
			resp.Body.OpenTasks = len(open)
		}
	}

	if s.Cluster == nil {
		resp.Body.NodeName = "standalone"
		resp.Body.Ready = true
		resp.Body.MemberCount = 1
		return resp, nil
	}

	resp.Body.NodeName = s.Cluster.LocalNode()
	resp.Body.Ready = s.Cluster.IsReady()
	resp.Body.ClusterMode = true
	resp.Body.MemberCount = s.Cluster.MemberCount()
	resp.Body.Members = s.Cluster.GetMemberInfo()

	return resp, nil
}
