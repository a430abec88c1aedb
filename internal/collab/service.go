package collab

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/content"
	"github.com/MarcoPoloResearchLab/coedit/backend/internal/events"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew   = "collab.service.new"
	opOpenSession  = "collab.open_session"
	opJoinSession  = "collab.join_session"
	opCloseSession = "collab.close_session"
	opTouch        = "collab.touch"
	opAcquireLock  = "collab.acquire_lock"
	opReleaseLock  = "collab.release_lock"
	opIsFree       = "collab.is_free"
	opRecordChange = "collab.record_change"
	opDrain        = "collab.drain"
	opBeginSave    = "collab.begin_save"
	opEndSave      = "collab.end_save"
	opSave         = "collab.save"
	opEvaluate     = "collab.evaluate_leave"
	opSweep        = "collab.sweep"
)

const (
	queryRoom      = "room_id = ?"
	queryRoomOwner = "room_id = ? AND owner = ?"
	queryOwner     = "owner = ?"
)

var noOpLogger = zap.NewNop()

// Notifier receives room events after the mutation that produced them commits.
type Notifier interface {
	Notify(ctx context.Context, topic string, event events.Event)
}

// Directory resolves display names for lock holders.
type Directory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Recorder receives coordination outcome counts.
type Recorder interface {
	LockAttempt(outcome string)
	SaveAttempt(mode, outcome string)
	ChangesEnqueued(action string, count int)
	ChangesDrained(count int)
}

// ServiceConfig describes the dependencies of the coordination engine.
type ServiceConfig struct {
	Database       *gorm.DB
	Content        *content.Store
	Notifier       Notifier
	Directory      Directory
	Metrics        Recorder
	Clock          func() time.Time
	IDProvider     IDProvider
	Logger         *zap.Logger
	IdleThreshold  time.Duration
	QuotaBytes     int64
	AutosaveWindow time.Duration
}

// Service coordinates sessions, unit locks, change propagation, saves and leave evaluation.
type Service struct {
	db            *gorm.DB
	content       *content.Store
	notifier      Notifier
	directory     Directory
	metrics       Recorder
	clock         func() time.Time
	idProvider    IDProvider
	logger        *zap.Logger
	idleThreshold time.Duration
	quotaBytes    int64
	recentSaves   *cache.Cache
}

// NewService constructs the coordination engine.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Content == nil {
		return nil, newServiceError(opServiceNew, "missing_content", errMissingContent)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = nopRecorder{}
	}

	var recentSaves *cache.Cache
	if cfg.AutosaveWindow > 0 {
		recentSaves = cache.New(cfg.AutosaveWindow, 2*cfg.AutosaveWindow)
	}

	return &Service{
		db:            cfg.Database,
		content:       cfg.Content,
		notifier:      cfg.Notifier,
		directory:     cfg.Directory,
		metrics:       recorder,
		clock:         clock,
		idProvider:    idProvider,
		logger:        logger,
		idleThreshold: cfg.IdleThreshold,
		quotaBytes:    cfg.QuotaBytes,
		recentSaves:   recentSaves,
	}, nil
}

func (s *Service) nowMs() int64 {
	return s.clock().UTC().UnixMilli()
}

// outbox collects room events inside a transaction; they are flushed only after commit.
type outbox struct {
	messages []events.Message
}

func (o *outbox) add(topic string, event events.Event) {
	o.messages = append(o.messages, events.Message{Topic: topic, Event: event})
}

func (s *Service) flush(ctx context.Context, box *outbox) {
	if s.notifier == nil || box == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, message := range box.messages {
		s.notifier.Notify(ctx, message.Topic, message.Event)
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("collab service error", attrs...)
}

// fail logs an unexpected failure once and wraps it. Outcome errors pass through.
func (s *Service) fail(operation, reason string, err error, fields ...zap.Field) error {
	if isOutcome(err) {
		return err
	}
	if _, ok := err.(*ServiceError); ok {
		return err
	}
	s.logError(operation, reason, err, fields...)
	return newServiceError(operation, reason, err)
}

type nopRecorder struct{}

func (nopRecorder) LockAttempt(string)          {}
func (nopRecorder) SaveAttempt(string, string)  {}
func (nopRecorder) ChangesEnqueued(string, int) {}
func (nopRecorder) ChangesDrained(int)          {}
