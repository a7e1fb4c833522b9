// Package tracking accumulates GPS breadcrumbs for worker tasks and derives
// distances from them.
package tracking

import (
	"math"
	"time"

	"github.com/c.mueller/pm-connect/internal/models"
)

// EarthRadiusMeters is the mean Earth radius used by the haversine formula
const EarthRadiusMeters = 6371000.0

// DefaultHistoryLimit bounds the stored history when no limit is configured
const DefaultHistoryLimit = 500

// Haversine returns the great-circle distance between a and b in meters
func Haversine(a, b models.LatLng) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Tracker appends points to a tracking sub-document
type Tracker struct {
	historyLimit int
}

// NewTracker creates a tracker keeping at most historyLimit points.
// A non-positive limit falls back to DefaultHistoryLimit.
func NewTracker(historyLimit int) *Tracker {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Tracker{historyLimit: historyLimit}
}

// HistoryLimit returns the configured history cap
func (t *Tracker) HistoryLimit() int {
	return t.historyLimit
}

// Record adds p to tr and returns the distance travelled since the previous
// point. The first point of a track contributes zero distance.
func (t *Tracker) Record(tr *models.LocationTracking, p models.LocationPoint) float64 {
	var delta float64
	if tr.CurrentLocation != nil {
		delta = Haversine(tr.CurrentLocation.LatLng(), p.LatLng())
		tr.TotalDistanceMeters += delta
	}

	current := p
	tr.CurrentLocation = &current
	tr.History = append(tr.History, p)

	// Drop oldest first; the last element is always the current point
	if over := len(tr.History) - t.historyLimit; over > 0 {
		trimmed := make([]models.LocationPoint, t.historyLimit)
		copy(trimmed, tr.History[over:])
		tr.History = trimmed
	}
	return delta
}

// Start enables tracking at now unless it is already running
func Start(tr *models.LocationTracking, now time.Time) {
	if tr.Enabled {
		return
	}
	tr.Enabled = true
	tr.StartedAt = &now
	tr.StoppedAt = nil
}

// Stop disables tracking at now if it is running
func Stop(tr *models.LocationTracking, now time.Time) {
	if !tr.Enabled {
		return
	}
	tr.Enabled = false
	tr.StoppedAt = &now
}

// Snapshot is the read-time view of a task's tracking state. Distances are
// rounded to whole meters here and nowhere else.
type Snapshot struct {
	HasLocation                 bool                   `json:"has_location"`
	Message                     string                 `json:"message,omitempty"`
	TrackingEnabled             bool                   `json:"tracking_enabled"`
	CurrentLocation             *models.LocationPoint  `json:"current_location,omitempty"`
	TotalDistanceMeters         int64                  `json:"total_distance_meters"`
	DistanceToDestinationMeters *int64                 `json:"distance_to_destination_meters,omitempty"`
	Destination                 *models.LatLng         `json:"destination,omitempty"`
	StartedAt                   *time.Time             `json:"started_at,omitempty"`
	StoppedAt                   *time.Time             `json:"stopped_at,omitempty"`
	HistoryCount                int                    `json:"history_count"`
	History                     []models.LocationPoint `json:"history,omitempty"`
}

// Summarize builds a snapshot of task. When includeHistory is set the last
// limit points are returned, oldest first.
func Summarize(task *models.WorkerTask, includeHistory bool, limit int) Snapshot {
	tr := task.LocationTracking
	if tr.CurrentLocation == nil {
		return Snapshot{
			HasLocation:     false,
			Message:         "No location recorded yet",
			TrackingEnabled: tr.Enabled,
			Destination:     task.Destination,
		}
	}

	snap := Snapshot{
		HasLocation:         true,
		TrackingEnabled:     tr.Enabled,
		CurrentLocation:     tr.CurrentLocation,
		TotalDistanceMeters: roundMeters(tr.TotalDistanceMeters),
		Destination:         task.Destination,
		StartedAt:           tr.StartedAt,
		StoppedAt:           tr.StoppedAt,
		HistoryCount:        len(tr.History),
	}

	if task.Destination != nil {
		d := roundMeters(Haversine(tr.CurrentLocation.LatLng(), *task.Destination))
		snap.DistanceToDestinationMeters = &d
	}

	if includeHistory {
		history := tr.History
		if limit > 0 && len(history) > limit {
			history = history[len(history)-limit:]
		}
		snap.History = history
	}
	return snap
}

func roundMeters(m float64) int64 {
	return int64(math.Round(m))
}
