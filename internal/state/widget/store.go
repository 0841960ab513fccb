package widget

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/amoylab/fleetstate/internal/common/cnst"
	"github.com/amoylab/fleetstate/internal/state/backend"
	"github.com/amoylab/fleetstate/pkg/utils"
)

// Store owns widget records and the active widget index.
//
// The active index is maintained on Register and Delete only. A record that
// expires through its TTL stays listed until Sweep runs, so ListActive and Count
// are advisory: callers re-check a widget with Get or Exists before acting on it.
type Store struct {
	logger  *zap.Logger
	backend backend.Backend
	keys    backend.Keyspace
	ttl     time.Duration
	now     func() time.Time

	issuer   TokenIssuer
	workerID string
}

// TokenIssuer mints connection tokens for widgets registered without one
type TokenIssuer interface {
	GenerateToken(widgetID, workerID string) (string, error)
}

// NewStore creates a widget store whose records live for ttl
func NewStore(logger *zap.Logger, b backend.Backend, keys backend.Keyspace, ttl time.Duration) *Store {
	return &Store{
		logger:  logger.Named("state.widget"),
		backend: b,
		keys:    keys,
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetTokenIssuer makes Register mint a token on behalf of workerID whenever
// the caller did not supply one
func (s *Store) SetTokenIssuer(issuer TokenIssuer, workerID string) {
	s.issuer = issuer
	s.workerID = workerID
}

// Register upserts a widget. An existing record with the same id is replaced
// as a whole.
func (s *Store) Register(ctx context.Context, widgetID, html string, opts ...RegisterOption) error {
	if widgetID == "" {
		return cnst.ErrEmptyID
	}

	record := &Record{
		WidgetID:  widgetID,
		HTML:      html,
		CreatedAt: s.now().UTC(),
	}
	for _, opt := range opts {
		opt(record)
	}
	if record.Token == "" && s.issuer != nil {
		token, err := s.issuer.GenerateToken(widgetID, utils.FirstNonEmpty(record.OwnerWorkerID, s.workerID))
		if err != nil {
			return fmt.Errorf("failed to issue token for widget %s: %w", widgetID, err)
		}
		record.Token = token
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal widget %s: %w", widgetID, err)
	}
	if err := s.backend.Set(ctx, s.keys.Widget(widgetID), data, s.ttl); err != nil {
		return fmt.Errorf("failed to store widget %s: %w", widgetID, err)
	}
	if err := s.backend.AddToSet(ctx, s.keys.ActiveWidgets(), widgetID); err != nil {
		// leave no half-registered widget behind
		if _, delErr := s.backend.Delete(ctx, s.keys.Widget(widgetID)); delErr != nil {
			s.logger.Warn("failed to roll back widget registration",
				zap.String("widget_id", widgetID), zap.Error(delErr))
		}
		return fmt.Errorf("failed to index widget %s: %w", widgetID, err)
	}

	s.logger.Debug("registered widget",
		zap.String("widget_id", widgetID),
		zap.String("owner_worker_id", record.OwnerWorkerID))
	return nil
}

// Get returns nil when the widget is absent, expired or unreadable
func (s *Store) Get(ctx context.Context, widgetID string) (*Record, error) {
	data, err := s.backend.Get(ctx, s.keys.Widget(widgetID))
	if err != nil {
		if errors.Is(err, cnst.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get widget %s: %w", widgetID, err)
	}

	if _, ok := lookupField(data, ""); !ok {
		s.logger.Warn("discarding corrupt widget record", zap.String("widget_id", widgetID))
		return nil, nil
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		s.logger.Warn("discarding corrupt widget record",
			zap.String("widget_id", widgetID), zap.Error(err))
		return nil, nil
	}
	return &record, nil
}

// GetHTML returns the widget content and whether the widget was found
func (s *Store) GetHTML(ctx context.Context, widgetID string) (string, bool, error) {
	return s.field(ctx, widgetID, "html")
}

// GetToken returns the widget connection token and whether the widget was found
func (s *Store) GetToken(ctx context.Context, widgetID string) (string, bool, error) {
	return s.field(ctx, widgetID, "token")
}

// field reads one top-level string of a record without decoding its metadata.
// A record that Get would reject is reported as not found here too.
func (s *Store) field(ctx context.Context, widgetID, name string) (string, bool, error) {
	data, err := s.backend.Get(ctx, s.keys.Widget(widgetID))
	if err != nil {
		if errors.Is(err, cnst.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get widget %s: %w", widgetID, err)
	}
	value, ok := lookupField(data, name)
	if !ok {
		s.logger.Warn("discarding corrupt widget record", zap.String("widget_id", widgetID))
		return "", false, nil
	}
	return value, true, nil
}

var stringFields = []string{"widget_id", "html", "token", "owner_worker_id"}

// lookupField checks data has the shape of a Record and returns its string
// field name. Keys match case-insensitively and the last one wins, the way
// encoding/json fills a struct.
func lookupField(data []byte, name string) (string, bool) {
	if !gjson.ValidBytes(data) {
		return "", false
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return "", false
	}

	var value string
	valid := true
	doc.ForEach(func(key, v gjson.Result) bool {
		k := key.String()
		switch {
		case strings.EqualFold(k, "metadata"):
			valid = v.Type == gjson.Null || v.IsObject()
		case strings.EqualFold(k, "created_at"):
			var ts time.Time
			valid = ts.UnmarshalJSON([]byte(v.Raw)) == nil
		case slices.ContainsFunc(stringFields, func(f string) bool { return strings.EqualFold(k, f) }):
			valid = v.Type == gjson.String || v.Type == gjson.Null
			if v.Type == gjson.String && strings.EqualFold(k, name) {
				value = v.String()
			}
		}
		return valid
	})
	return value, valid
}

// UpdateHTML replaces the content of an existing widget. It never creates a
// widget, and CreatedAt and the remaining TTL are preserved.
func (s *Store) UpdateHTML(ctx context.Context, widgetID, html string) (bool, error) {
	record, err := s.Get(ctx, widgetID)
	if err != nil || record == nil {
		return false, err
	}

	record.HTML = html
	data, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("failed to marshal widget %s: %w", widgetID, err)
	}
	ok, err := s.backend.Replace(ctx, s.keys.Widget(widgetID), data, 0)
	if err != nil {
		return false, fmt.Errorf("failed to update widget %s: %w", widgetID, err)
	}
	return ok, nil
}

// VerifyToken reports whether token is the one stored for the widget
func (s *Store) VerifyToken(ctx context.Context, widgetID, token string) (bool, error) {
	record, err := s.Get(ctx, widgetID)
	if err != nil || record == nil || record.Token == "" {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(record.Token), []byte(token)) == 1, nil
}

func (s *Store) Exists(ctx context.Context, widgetID string) (bool, error) {
	ok, err := s.backend.Exists(ctx, s.keys.Widget(widgetID))
	if err != nil {
		return false, fmt.Errorf("failed to check widget %s: %w", widgetID, err)
	}
	return ok, nil
}

// Delete reports true only when a live record was removed
func (s *Store) Delete(ctx context.Context, widgetID string) (bool, error) {
	removed, err := s.backend.Delete(ctx, s.keys.Widget(widgetID))
	if err != nil {
		return false, fmt.Errorf("failed to delete widget %s: %w", widgetID, err)
	}
	if err := s.backend.RemoveFromSet(ctx, s.keys.ActiveWidgets(), widgetID); err != nil {
		return removed, fmt.Errorf("failed to unindex widget %s: %w", widgetID, err)
	}
	return removed, nil
}

// ListActive returns the sorted ids of the active index
func (s *Store) ListActive(ctx context.Context) ([]string, error) {
	ids, err := s.backend.Members(ctx, s.keys.ActiveWidgets())
	if err != nil {
		return nil, fmt.Errorf("failed to list active widgets: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	ids, err := s.backend.Members(ctx, s.keys.ActiveWidgets())
	if err != nil {
		return 0, fmt.Errorf("failed to count active widgets: %w", err)
	}
	return len(ids), nil
}

// Sweep drops index members whose record no longer exists and returns how many
// were removed
func (s *Store) Sweep(ctx context.Context) (int, error) {
	ids, err := s.backend.Members(ctx, s.keys.ActiveWidgets())
	if err != nil {
		return 0, fmt.Errorf("failed to list active widgets: %w", err)
	}

	removed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		ok, err := s.backend.Exists(ctx, s.keys.Widget(id))
		if err != nil {
			return removed, fmt.Errorf("failed to check widget %s: %w", id, err)
		}
		if ok {
			continue
		}
		if err := s.backend.RemoveFromSet(ctx, s.keys.ActiveWidgets(), id); err != nil {
			return removed, fmt.Errorf("failed to unindex widget %s: %w", id, err)
		}
		removed++
	}

	if removed > 0 {
		s.logger.Debug("swept expired widgets from the active index", zap.Int("removed", removed))
	}
	return removed, nil
}
