package collab

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/content"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/events"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 9, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []events.Message
}

func (n *recordingNotifier) Notify(_ context.Context, topic string, event events.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, events.Message{Topic: topic, Event: event})
}

func (n *recordingNotifier) actions() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	actions := make([]string, 0, len(n.messages))
	for _, message := range n.messages {
		actions = append(actions, message.Event[events.KeyAction])
	}
	return actions
}

type staticDirectory map[string]string

func (d staticDirectory) DisplayName(_ context.Context, userID string) (string, error) {
	return d[userID], nil
}

type testHarness struct {
	db       *gorm.DB
	service  *Service
	store    *content.Store
	clock    *manualClock
	notifier *recordingNotifier
}

type harnessOption func(*ServiceConfig)

func withQuota(bytes int64) harnessOption {
	return func(cfg *ServiceConfig) { cfg.QuotaBytes = bytes }
}

func newHarness(t *testing.T, options ...harnessOption) *testHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "collab.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(append(Models(), content.Models()...)...))

	clock := newManualClock()
	store, err := content.NewStore(content.StoreConfig{Database: db, Clock: clock.Now})
	require.NoError(t, err)
	notifier := &recordingNotifier{}

	cfg := ServiceConfig{
		Database:       db,
		Content:        store,
		Notifier:       notifier,
		Directory:      staticDirectory{"alice": "Alice Liddell", "bob": "Bob Dylan"},
		Clock:          clock.Now,
		IdleThreshold:  15 * time.Minute,
		AutosaveWindow: time.Hour,
	}
	for _, option := range options {
		option(&cfg)
	}
	service, err := NewService(cfg)
	require.NoError(t, err)

	return &testHarness{db: db, service: service, store: store, clock: clock, notifier: notifier}
}

func (h *testHarness) mustOpen(t *testing.T, owner string) Session {
	t.Helper()
	result, err := h.service.OpenOrJoin(context.Background(), owner, "127.0.0.1")
	require.NoError(t, err)
	return result.Session
}

func (h *testHarness) mustJoin(t *testing.T, room Session, owner string) Session {
	t.Helper()
	session, err := h.service.JoinByShareCode(context.Background(), JoinRequest{
		DocumentID: room.DocumentID,
		RoomID:     room.RoomID,
		Owner:      owner,
	})
	require.NoError(t, err)
	return session
}

func (h *testHarness) mustAddComponent(t *testing.T, roomID, owner, blockID, componentID string) {
	t.Helper()
	_, err := h.service.RecordChange(context.Background(), roomID, owner,
		Change{Action: ActionAdd, Target: ComponentTarget{ID: componentID, BlockID: blockID}},
		func(ctx context.Context, store *content.Store) error {
			if _, err := store.UpsertUnit(ctx, roomID, content.UnitInput{Kind: content.KindBlock, UnitID: blockID, ParentID: "root"}); err != nil {
				return err
			}
			_, err := store.UpsertUnit(ctx, roomID, content.UnitInput{Kind: content.KindComponent, UnitID: componentID, ParentID: blockID})
			return err
		})
	require.NoError(t, err)
}

func (h *testHarness) reloadSession(t *testing.T, owner string) Session {
	t.Helper()
	var session Session
	require.NoError(t, h.db.Where(queryOwner, owner).Take(&session).Error)
	return session
}

func (h *testHarness) reloadRoom(t *testing.T, roomID string) Room {
	t.Helper()
	var room Room
	require.NoError(t, h.db.Where(queryRoom, roomID).Take(&room).Error)
	return room
}
