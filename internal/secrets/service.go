package secrets

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/delidev/core/internal/common/logger"
)

// DefaultSkew is the ±300s clock skew tolerance from the secrets envelope,
// overridable via DELIDEV_SECRETS_CLOCK_SKEW_SECONDS.
const DefaultSkew = 300 * time.Second

// Service holds pending envelopes in memory between `secrets.send` and the
// assigned worker's `worker.get_secrets` pull. Nothing here is persisted.
type Service struct {
	mu      sync.Mutex
	pending map[string]*Envelope // task_id -> envelope awaiting pickup

	nonces *nonceStore
	skew   time.Duration
	logger *logger.Logger
}

// NewService constructs a Service with the given clock skew tolerance.
func NewService(skew time.Duration, log *logger.Logger) *Service {
	if skew <= 0 {
		skew = DefaultSkew
	}
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		pending: make(map[string]*Envelope),
		nonces:  newNonceStore(),
		skew:    skew,
		logger:  log.WithFields(zap.String("component", "secrets")),
	}
}

// Accept validates and stores an envelope delivered via `secrets.send`.
// Returns an error if the timestamp is outside the skew window or the nonce
// was already used within it.
func (s *Service) Accept(_ context.Context, env *Envelope) error {
	now := time.Now()
	if err := env.Validate(now, s.skew); err != nil {
		return err
	}
	if !s.nonces.claim(env.Nonce, now, s.skew) {
		return ErrNonceReused
	}

	s.mu.Lock()
	s.pending[env.TaskID] = env
	s.mu.Unlock()

	s.logger.Info("secrets envelope accepted",
		zap.String("task_id", env.TaskID),
		zap.Int("key_count", len(env.Secrets)))
	return nil
}

// Take removes and returns the pending envelope for a task, for
// `worker.get_secrets`. ok is false if nothing has been delivered yet.
func (s *Service) Take(_ context.Context, taskID string) (*Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, ok := s.pending[taskID]
	if !ok {
		return nil, false
	}
	delete(s.pending, taskID)
	return env, true
}

// Discard drops any pending envelope for a task without returning it, used
// when a task is cancelled before a worker collects its secrets.
func (s *Service) Discard(taskID string) {
	s.mu.Lock()
	delete(s.pending, taskID)
	s.mu.Unlock()
}
