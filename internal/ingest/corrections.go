package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/wolfman30/conversation-recovery/internal/recovery/row"
	"github.com/wolfman30/conversation-recovery/internal/review"
	"github.com/wolfman30/conversation-recovery/internal/speaker"
	"github.com/wolfman30/conversation-recovery/pkg/logging"
)

// ReviewResolver closes review items.
type ReviewResolver interface {
	Resolve(ctx context.Context, id string, res review.Resolution) (*review.Item, error)
}

// Corrections feeds reviewer decisions back into the org's speaker profile.
type Corrections struct {
	profiles speaker.ProfileStore
	base     *speaker.Profile
	reviews  ReviewResolver
	logger   *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewCorrections(profiles speaker.ProfileStore, base *speaker.Profile, reviews ReviewResolver, logger *logging.Logger) *Corrections {
	if profiles == nil {
		panic("ingest: profile store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Corrections{
		profiles: profiles,
		base:     base,
		reviews:  reviews,
		logger:   logger.Component("corrections"),
		locks:    map[string]*sync.Mutex{},
	}
}

// orgLock serialises load-learn-save per org so concurrent corrections are not lost.
func (c *Corrections) orgLock(orgID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[orgID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[orgID] = l
	}
	return l
}

// ApplyCorrection records that sender belongs to role for orgID and persists
// the profile when new tokens were learned. It returns the learned tokens.
func (c *Corrections) ApplyCorrection(ctx context.Context, orgID, sender string, role speaker.Role) ([]string, error) {
	if strings.TrimSpace(orgID) == "" {
		return nil, errors.New("ingest: org_id required")
	}
	if !role.Valid() {
		return nil, fmt.Errorf("ingest: invalid role %q", role)
	}

	l := c.orgLock(orgID)
	l.Lock()
	defer l.Unlock()

	id, err := speaker.LoadIdentifier(ctx, c.profiles, orgID, c.base, speaker.WithIdentifierLogger(c.logger))
	if err != nil {
		return nil, fmt.Errorf("ingest: load profile: %w", err)
	}
	added := id.LearnFromCorrection(sender, role)
	if len(added) == 0 {
		return nil, nil
	}
	if err := c.profiles.Save(ctx, orgID, id.Snapshot()); err != nil {
		return nil, fmt.Errorf("ingest: save profile: %w", err)
	}
	c.logger.Info("speaker correction applied", "org_id", orgID, "role", role, "tokens", added)
	return added, nil
}

// ResolveReview closes a review item and, when the reviewer named a role,
// learns the item's sender for it.
func (c *Corrections) ResolveReview(ctx context.Context, itemID string, res review.Resolution) (*review.Item, []string, error) {
	if c.reviews == nil {
		return nil, nil, errors.New("ingest: review queue not configured")
	}
	item, err := c.reviews.Resolve(ctx, itemID, res)
	if err != nil {
		return nil, nil, err
	}
	if res.Role == "" {
		return item, nil, nil
	}
	sender := item.Sender
	if item.Corrected != nil {
		if s := item.Corrected.FieldText(row.FieldSender); s != "" {
			sender = s
		}
	}
	if sender == "" {
		return item, nil, nil
	}
	added, err := c.ApplyCorrection(ctx, item.OrgID, sender, res.Role)
	return item, added, err
}
