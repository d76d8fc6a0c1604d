package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/store"
	"github.com/capitalize-ai/chatstream/pkg/logger"
	"github.com/capitalize-ai/chatstream/pkg/metrics"
)

// AbortPublisher delivers a cancellation signal for a stream handle to
// whichever process runs its producer.
type AbortPublisher interface {
	PublishAbort(ctx context.Context, handle string) error
}

// ThreadService is the thread state machine. The thread row is the
// serialization point: every read-then-write of the status happens in one
// transaction holding the row lock.
type ThreadService struct {
	store  *store.Store
	quota  *QuotaLedger
	abort  AbortPublisher
	logger *logger.Logger

	now       func() time.Time
	newHandle func() string
	newID     func() string
}

// NewThreadService creates a thread service.
func NewThreadService(s *store.Store, quota *QuotaLedger, abort AbortPublisher, log *logger.Logger) *ThreadService {
	return &ThreadService{
		store:     s,
		quota:     quota,
		abort:     abort,
		logger:    log,
		now:       time.Now,
		newHandle: shortuuid.New,
		newID:     func() string { return uuid.Must(uuid.NewV7()).String() },
	}
}

// BeginParams are the inputs of BeginCompletion.
type BeginParams struct {
	ThreadID  string
	UserID    string
	Message   model.MessageInput
	ModelCost int64
	Limits    model.Limits
}

// Begin is the committed result of BeginCompletion.
type Begin struct {
	Thread             *model.Thread
	Message            *model.Message
	History            []model.Message
	StreamHandle       string
	AssistantMessageID string
}

// BeginCompletion validates and applies the ready → streaming transition.
// The transaction is not retried: it carries the credit reservation.
func (s *ThreadService) BeginCompletion(ctx context.Context, p BeginParams) (*Begin, error) {
	if p.ThreadID == "" || p.UserID == "" || p.Message.ID == "" {
		return nil, fmt.Errorf("%w: thread, user and message ids are required", ErrInvalidRequest)
	}
	if p.Message.Role != "" && p.Message.Role != model.RoleUser {
		return nil, fmt.Errorf("%w: only user messages can start a completion", ErrInvalidRequest)
	}

	now := s.now()
	handle := s.newHandle()
	var out *Begin

	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.CreateThreadIfAbsent(ctx, &model.Thread{
			ID:        p.ThreadID,
			OwnerID:   p.UserID,
			Status:    model.ThreadStatusSubmitted,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return fmt.Errorf("failed to create thread: %w", err)
		}
		thread, err := tx.GetThreadForUpdate(ctx, p.ThreadID)
		if err != nil {
			return fmt.Errorf("failed to load thread: %w", err)
		}
		if thread == nil {
			return ErrThreadNotFound
		}
		existing, err := tx.GetMessage(ctx, p.Message.ID)
		if err != nil {
			return fmt.Errorf("failed to load message: %w", err)
		}

		if thread.Streaming() {
			return ErrAlreadyStreaming
		}
		if thread.OwnerID != p.UserID {
			return ErrNotAuthorized
		}
		if err := s.quota.CheckAndReserve(ctx, tx, p.UserID, model.UsageCredits, p.ModelCost, p.Limits); err != nil {
			return err
		}

		if err := tx.UpdateThreadState(ctx, thread.ID, model.ThreadStatusStreaming, &handle, now); err != nil {
			return fmt.Errorf("failed to update thread state: %w", err)
		}
		thread.Status = model.ThreadStatusStreaming
		thread.StreamHandle = &handle
		thread.UpdatedAt = now

		var msg *model.Message
		if existing != nil {
			if existing.ThreadID != thread.ID || existing.AuthorID != p.UserID || existing.Role != model.RoleUser {
				return ErrNotAuthorized
			}
			if err := tx.UpdateMessageContent(ctx, existing.ID, p.Message.Content, now); err != nil {
				return fmt.Errorf("failed to update message: %w", err)
			}
			if _, err := tx.DeleteMessagesAfter(ctx, thread.ID, existing.CreatedAt, existing.ID); err != nil {
				return fmt.Errorf("failed to rewind history: %w", err)
			}
			existing.Content = p.Message.Content
			existing.UpdatedAt = now
			msg = existing
		} else {
			msg = &model.Message{
				ID:        p.Message.ID,
				ThreadID:  thread.ID,
				AuthorID:  p.UserID,
				Role:      model.RoleUser,
				Content:   p.Message.Content,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if _, err := tx.CreateMessage(ctx, msg); err != nil {
				return fmt.Errorf("failed to insert message: %w", err)
			}
		}

		history, err := tx.ListMessages(ctx, thread.ID)
		if err != nil {
			return fmt.Errorf("failed to load history: %w", err)
		}

		out = &Begin{
			Thread:             thread,
			Message:            msg,
			History:            history,
			StreamHandle:       handle,
			AssistantMessageID: s.newID(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("completion started",
		zap.String(logger.KeyThread, p.ThreadID),
		zap.String(logger.KeyUser, p.UserID),
		zap.String(logger.KeyStream, handle),
		zap.Int("history", len(out.History)),
	)
	return out, nil
}

// FinalizeParams are the inputs of FinalizeCompletion.
type FinalizeParams struct {
	ThreadID string
	Handle   string
	Message  *model.Message
}

// FinalizeResult reports what FinalizeCompletion did.
type FinalizeResult string

const (
	FinalizeApplied    FinalizeResult = "applied"
	FinalizeDuplicate  FinalizeResult = "duplicate"
	FinalizeSuperseded FinalizeResult = "superseded"
)

// FinalizeCompletion persists the assistant message and returns the thread
// to ready, keyed by the stream handle. Repeated calls for the same handle
// insert nothing new. A message whose stream was aborted is still saved
// unless a newer stream already owns the thread, in which case it is
// dropped.
func (s *ThreadService) FinalizeCompletion(ctx context.Context, p FinalizeParams) (FinalizeResult, error) {
	now := s.now()
	result := FinalizeDuplicate

	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		thread, err := tx.GetThreadForUpdate(ctx, p.ThreadID)
		if err != nil {
			return fmt.Errorf("failed to load thread: %w", err)
		}
		if thread == nil {
			return ErrThreadNotFound
		}

		current := thread.Handle()
		if current != "" && current != p.Handle {
			result = FinalizeSuperseded
			return nil
		}

		if p.Message != nil && len(p.Message.Content) > 0 {
			inserted, err := tx.CreateMessage(ctx, p.Message)
			if err != nil {
				return fmt.Errorf("failed to insert assistant message: %w", err)
			}
			if inserted {
				result = FinalizeApplied
			}
		}

		if current == p.Handle && thread.Status != model.ThreadStatusReady {
			if err := tx.UpdateThreadState(ctx, thread.ID, model.ThreadStatusReady, nil, now); err != nil {
				return fmt.Errorf("failed to reset thread state: %w", err)
			}
			result = FinalizeApplied
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	metrics.FinalizationsTotal.WithLabelValues(string(result)).Inc()
	if result == FinalizeSuperseded {
		s.logger.Warn("late completion dropped, thread owned by a newer stream",
			zap.String(logger.KeyThread, p.ThreadID),
			zap.String(logger.KeyStream, p.Handle),
		)
	}
	return result, nil
}

// Abort resets a streaming thread to ready and signals its producer to
// stop. It does not wait for the producer. Aborting a ready thread is a
// no-op.
func (s *ThreadService) Abort(ctx context.Context, threadID, userID string) error {
	var handle string
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		thread, err := tx.GetThreadForUpdate(ctx, threadID)
		if err != nil {
			return fmt.Errorf("failed to load thread: %w", err)
		}
		if thread == nil {
			return ErrThreadNotFound
		}
		if thread.OwnerID != userID {
			return ErrNotAuthorized
		}
		if thread.Status == model.ThreadStatusReady && thread.StreamHandle == nil {
			return nil
		}
		handle = thread.Handle()
		return tx.UpdateThreadState(ctx, thread.ID, model.ThreadStatusReady, nil, s.now())
	})
	if err != nil {
		return err
	}
	if handle == "" {
		return nil
	}

	if err := s.abort.PublishAbort(ctx, handle); err != nil {
		s.logger.Warn("failed to publish abort signal",
			zap.String(logger.KeyThread, threadID),
			zap.String(logger.KeyStream, handle),
			zap.Error(err),
		)
	}
	s.logger.Info("completion aborted",
		zap.String(logger.KeyThread, threadID),
		zap.String(logger.KeyStream, handle),
	)
	return nil
}

// Release undoes a committed BeginCompletion whose stream never started:
// the thread returns to ready and the credit reservation is given back.
func (s *ThreadService) Release(ctx context.Context, b *Begin, cost int64) error {
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		thread, err := tx.GetThreadForUpdate(ctx, b.Thread.ID)
		if err != nil {
			return err
		}
		if thread == nil || thread.Handle() != b.StreamHandle {
			return nil
		}
		return tx.UpdateThreadState(ctx, thread.ID, model.ThreadStatusReady, nil, s.now())
	})
	if err != nil {
		return fmt.Errorf("failed to release thread: %w", err)
	}
	return s.quota.Compensate(ctx, b.Thread.OwnerID, model.UsageCredits, cost)
}

// Get returns a thread owned by userID.
func (s *ThreadService) Get(ctx context.Context, threadID, userID string) (*model.Thread, error) {
	var thread *model.Thread
	err := retryTransient(ctx, s.store.IsTransient, func() error {
		var err error
		thread, err = s.store.GetThread(ctx, threadID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}
	if thread == nil {
		return nil, ErrThreadNotFound
	}
	if thread.OwnerID != userID {
		return nil, ErrNotAuthorized
	}
	return thread, nil
}

// Detail returns a thread with its ordered messages.
func (s *ThreadService) Detail(ctx context.Context, threadID, userID string) (*model.ThreadDetail, error) {
	thread, err := s.Get(ctx, threadID, userID)
	if err != nil {
		return nil, err
	}
	var messages []model.Message
	err = retryTransient(ctx, s.store.IsTransient, func() error {
		var err error
		messages, err = s.store.ListMessages(ctx, threadID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	if messages == nil {
		messages = []model.Message{}
	}
	return &model.ThreadDetail{Thread: thread, Messages: messages}, nil
}

// List returns the most recently updated threads of a user.
func (s *ThreadService) List(ctx context.Context, userID string, limit int) (*model.ListThreadsResponse, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var threads []model.Thread
	err := retryTransient(ctx, s.store.IsTransient, func() error {
		var err error
		threads, err = s.store.ListThreads(ctx, userID, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	if threads == nil {
		threads = []model.Thread{}
	}
	return &model.ListThreadsResponse{Threads: threads}, nil
}

// StreamHandle returns the live stream handle of a thread for resume.
func (s *ThreadService) StreamHandle(ctx context.Context, threadID, userID string) (string, error) {
	thread, err := s.Get(ctx, threadID, userID)
	if err != nil {
		return "", err
	}
	if thread.StreamHandle == nil {
		return "", ErrStreamNotFound
	}
	return *thread.StreamHandle, nil
}

// SetTitle stores a generated title.
func (s *ThreadService) SetTitle(ctx context.Context, threadID, title string) error {
	return s.store.UpdateThreadTitle(ctx, threadID, title, s.now())
}
