package statemachine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/uesteibar/autoflow/internal/autoflow/linear"
	"github.com/uesteibar/autoflow/internal/autoflow/mirror"
)

// LabelClient is the slice of the gateway that tag sync needs.
type LabelClient interface {
	FetchIssueLabels(ctx context.Context, issueID string) ([]linear.Label, error)
	FindOrCreateLabel(ctx context.Context, teamID, name string) (string, error)
	AddLabel(ctx context.Context, issueID, labelID string) error
	RemoveLabel(ctx context.Context, issueID, labelID string) error
}

// LabelCache holds each ticket's last known label set.
type LabelCache interface {
	Labels(ctx context.Context, ticketID string) ([]linear.Label, bool, error)
	PutLabels(ctx context.Context, ticketID string, labels []linear.Label) error
}

// TagSyncer keeps a ticket's workflow label in lockstep with its state.
type TagSyncer struct {
	client LabelClient
	cache  LabelCache
	logger *slog.Logger

	mu  sync.Mutex
	ids map[string]string // team + label name -> label id
}

// NewTagSyncer returns a syncer that reads labels through cache when it is
// non-nil and writes the resulting set back after every sync.
func NewTagSyncer(client LabelClient, cache LabelCache, logger *slog.Logger) *TagSyncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TagSyncer{client: client, cache: cache, logger: logger, ids: map[string]string{}}
}

// Sync removes every workflow label from the ticket and then applies the
// label for state. Running it twice leaves the same label set.
func (s *TagSyncer) Sync(ctx context.Context, ticketID, teamID string, state State) error {
	current, err := s.labels(ctx, ticketID)
	if err != nil {
		return fmt.Errorf("fetching labels: %w", err)
	}

	tag := TagFor(state)
	var kept []linear.Label
	present := false
	for _, l := range current {
		if _, ok := StateForTag(l.Name); !ok {
			kept = append(kept, l)
			continue
		}
		if l.Name == tag && !present {
			present = true
			kept = append(kept, l)
			continue
		}
		if err := s.client.RemoveLabel(ctx, ticketID, l.ID); err != nil {
			return fmt.Errorf("removing label %s: %w", l.Name, err)
		}
	}

	if tag != "" && !present {
		labelID, err := s.labelID(ctx, teamID, tag)
		if err != nil {
			return fmt.Errorf("resolving label %s: %w", tag, err)
		}
		if err := s.client.AddLabel(ctx, ticketID, labelID); err != nil {
			return fmt.Errorf("adding label %s: %w", tag, err)
		}
		kept = append(kept, linear.Label{ID: labelID, Name: tag})
	}

	s.logger.Debug("synced workflow tag", "ticket_id", ticketID, "tag", tag)
	if s.cache != nil {
		if err := s.cache.PutLabels(ctx, ticketID, kept); err != nil {
			s.logger.Warn("caching labels", "ticket_id", ticketID, "error", err)
		}
	}
	return nil
}

func (s *TagSyncer) labels(ctx context.Context, ticketID string) ([]linear.Label, error) {
	fetch := func(ctx context.Context) ([]linear.Label, error) {
		return s.client.FetchIssueLabels(ctx, ticketID)
	}
	if s.cache == nil {
		return fetch(ctx)
	}
	return mirror.Cached(ctx,
		func(ctx context.Context) ([]linear.Label, bool, error) { return s.cache.Labels(ctx, ticketID) },
		fetch,
		func(ctx context.Context, labels []linear.Label) error { return s.cache.PutLabels(ctx, ticketID, labels) },
	)
}

func (s *TagSyncer) labelID(ctx context.Context, teamID, name string) (string, error) {
	key := teamID + "/" + name
	s.mu.Lock()
	id, ok := s.ids[key]
	s.mu.Unlock()
	if ok {
		return id, nil
	}
	id, err := s.client.FindOrCreateLabel(ctx, teamID, name)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.ids[key] = id
	s.mu.Unlock()
	return id, nil
}
