// internal/service/message/service.go

package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"areareport/internal/domain/geo"
	messageDomain "areareport/internal/domain/message"
	"areareport/internal/metrics"
	geoService "areareport/internal/service/geo"
)

// ErrNotFound is returned when a requested message is not visible
var ErrNotFound = errors.New("message not found")

// ValidationError describes a rejected request
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AreaReport is a user message announced to every listed area
type AreaReport struct {
	UserMessage string               `json:"userMessage"`
	Areas       []messageDomain.Area `json:"areas"`
}

// LatestInfo lists the messages of a region newer than a client's timestamp
type LatestInfo struct {
	Messages []messageDomain.Metadata `json:"messageInfoes"`

	// MaxResponseTimestamp is the timestamp a client passes on its next request
	MaxResponseTimestamp int64 `json:"maxResponseTimestamp"`
}

// Publisher announces regions that received new messages
type Publisher interface {
	PublishRegionUpdated(region geo.Region, timestamp int64) error
}

// ServiceConfig contains configuration for the message service
type ServiceConfig struct {
	// MaxRequestIDs limits the number of IDs in one GetByIDs call
	MaxRequestIDs int

	// MaxAreasPerReport limits the narrowcasts of one area report
	MaxAreasPerReport int

	// MaxRegionsPerReport limits the distinct regions one area report is
	// stored in. Every stored record carries every narrowcast of the report.
	MaxRegionsPerReport int

	// Now overrides the clock, for tests
	Now func() time.Time
}

// Service implements the message use cases on top of a repository
type Service struct {
	repo      messageDomain.Repository
	coverage  *geoService.CoverageService
	publisher Publisher
	logger    zerolog.Logger
	config    ServiceConfig
}

// NewService creates a new message service. publisher may be nil.
func NewService(
	repo messageDomain.Repository,
	coverage *geoService.CoverageService,
	publisher Publisher,
	logger zerolog.Logger,
	config ServiceConfig,
) *Service {
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Service{
		repo:      repo,
		coverage:  coverage,
		publisher: publisher,
		logger:    logger.With().Str("component", "message_service").Logger(),
		config:    config,
	}
}

// PublishAreaReport stores a report once for every region its areas touch
// and announces each region on the event bus
func (s *Service) PublishAreaReport(ctx context.Context, report AreaReport) error {
	if err := ValidateAreaReport(report); err != nil {
		return err
	}
	if s.config.MaxAreasPerReport > 0 && len(report.Areas) > s.config.MaxAreasPerReport {
		return &ValidationError{
			Field:  "areas",
			Reason: fmt.Sprintf("at most %d areas may be reported at once", s.config.MaxAreasPerReport),
		}
	}

	payload := &messageDomain.MessageContainer{}
	seen := make(map[string]bool)
	var regions []geo.Region

	for i, area := range report.Areas {
		payload.Narrowcasts = append(payload.Narrowcasts, messageDomain.NarrowcastMessage{
			UserMessage: report.UserMessage,
			Area:        area,
		})

		covered, err := s.coverage.Cover(area)
		if err != nil {
			return &ValidationError{Field: fmt.Sprintf("areas[%d]", i), Reason: err.Error()}
		}

		for _, r := range covered {
			key := geo.GetPartitionKey(r)
			if !seen[key] {
				seen[key] = true
				regions = append(regions, r)
			}
		}

		if s.config.MaxRegionsPerReport > 0 && len(regions) > s.config.MaxRegionsPerReport {
			return &ValidationError{
				Field:  "areas",
				Reason: fmt.Sprintf("report covers more than %d regions", s.config.MaxRegionsPerReport),
			}
		}
	}

	if err := s.repo.InsertFanOut(ctx, payload, regions); err != nil {
		return fmt.Errorf("error storing area report: %w", err)
	}

	s.logger.Info().
		Int("areas", len(report.Areas)).
		Int("regions", len(regions)).
		Msg("area report published")

	s.announce(regions)

	return nil
}

// announce publishes region events. Failures are logged only since the
// records are already committed and clients still find them by polling.
func (s *Service) announce(regions []geo.Region) {
	if s.publisher == nil {
		return
	}

	timestamp := s.config.Now().UnixMilli()
	for _, r := range regions {
		if err := s.publisher.PublishRegionUpdated(r, timestamp); err != nil {
			metrics.EventsPublished.WithLabelValues("error").Inc()
			s.logger.Warn().Err(err).Str("partition_key", geo.GetPartitionKey(r)).Msg("failed to publish region event")
			continue
		}
		metrics.EventsPublished.WithLabelValues("ok").Inc()
	}
}

// GetLatestInfo lists the messages of a region newer than lastTimestamp
func (s *Service) GetLatestInfo(ctx context.Context, region geo.Region, lastTimestamp int64) (*LatestInfo, error) {
	if err := validateQuery(region, lastTimestamp); err != nil {
		return nil, err
	}

	messages, err := s.repo.GetLatest(ctx, region, lastTimestamp)
	if err != nil {
		return nil, fmt.Errorf("error listing messages: %w", err)
	}
	if messages == nil {
		messages = []messageDomain.Metadata{}
	}

	return &LatestInfo{
		Messages:             messages,
		MaxResponseTimestamp: MaxResponseTimestamp(messages, lastTimestamp),
	}, nil
}

// GetLatestRegionDataSize returns the payload bytes GetLatestInfo would list
func (s *Service) GetLatestRegionDataSize(ctx context.Context, region geo.Region, lastTimestamp int64) (int64, error) {
	if err := validateQuery(region, lastTimestamp); err != nil {
		return 0, err
	}

	size, err := s.repo.GetLatestSize(ctx, region, lastTimestamp)
	if err != nil {
		return 0, fmt.Errorf("error measuring messages: %w", err)
	}

	return size, nil
}

// GetByIDs returns the visible messages among ids
func (s *Service) GetByIDs(ctx context.Context, ids []string) ([]messageDomain.Record, error) {
	if len(ids) == 0 {
		return nil, &ValidationError{Field: "requestedQueries", Reason: "at least one id is required"}
	}
	if s.config.MaxRequestIDs > 0 && len(ids) > s.config.MaxRequestIDs {
		return nil, &ValidationError{
			Field:  "requestedQueries",
			Reason: fmt.Sprintf("at most %d ids may be requested", s.config.MaxRequestIDs),
		}
	}
	for i, id := range ids {
		if strings.TrimSpace(id) == "" {
			return nil, &ValidationError{Field: fmt.Sprintf("requestedQueries[%d]", i), Reason: "id is empty"}
		}
	}

	records, err := s.repo.GetRange(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("error fetching messages: %w", err)
	}
	if records == nil {
		records = []messageDomain.Record{}
	}

	return records, nil
}

// Get returns one visible message
func (s *Service) Get(ctx context.Context, id string) (*messageDomain.Record, error) {
	if strings.TrimSpace(id) == "" {
		return nil, &ValidationError{Field: "id", Reason: "id is empty"}
	}

	record, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("error fetching message: %w", err)
	}
	if record == nil {
		return nil, ErrNotFound
	}

	return record, nil
}

// MaxResponseTimestamp returns the newest listed timestamp, or lastTimestamp
// when nothing newer was listed
func MaxResponseTimestamp(messages []messageDomain.Metadata, lastTimestamp int64) int64 {
	if latest := messageDomain.MaxTimestamp(messages); latest > lastTimestamp {
		return latest
	}
	return lastTimestamp
}

// ValidateAreaReport checks a report before any region is computed
func ValidateAreaReport(report AreaReport) error {
	if strings.TrimSpace(report.UserMessage) == "" {
		return &ValidationError{Field: "userMessage", Reason: "message is empty"}
	}
	if len(report.Areas) == 0 {
		return &ValidationError{Field: "areas", Reason: "at least one area is required"}
	}

	for i, area := range report.Areas {
		field := fmt.Sprintf("areas[%d]", i)

		location := geo.Region{LatitudePrefix: area.Location.Latitude, LongitudePrefix: area.Location.Longitude}
		if err := location.Validate(); err != nil {
			return &ValidationError{Field: field + ".location", Reason: err.Error()}
		}
		if !(area.RadiusMeters > 0) {
			return &ValidationError{Field: field + ".radiusMeters", Reason: "radius must be positive"}
		}
		if area.BeginTime < 0 {
			return &ValidationError{Field: field + ".beginTime", Reason: "time must not be negative"}
		}
		if area.EndTime <= area.BeginTime {
			return &ValidationError{Field: field + ".endTime", Reason: "end time must be after begin time"}
		}
	}

	return nil
}

func validateQuery(region geo.Region, lastTimestamp int64) error {
	if err := region.Validate(); err != nil {
		return &ValidationError{Field: "region", Reason: err.Error()}
	}
	if lastTimestamp < 0 {
		return &ValidationError{Field: "lastTimestamp", Reason: "timestamp must not be negative"}
	}
	return nil
}
