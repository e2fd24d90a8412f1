package storage

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"marijobs-go/internal/models"
	"marijobs-go/internal/secrets"
)

// SealedSessions encrypts Session.APIKey before it reaches the wrapped store.
type SealedSessions struct {
	SessionStore
	box    *secrets.Box
	logger *zap.Logger
}

func NewSealedSessions(inner SessionStore, box *secrets.Box, logger *zap.Logger) *SealedSessions {
	return &SealedSessions{SessionStore: inner, box: box, logger: logger}
}

func (s *SealedSessions) GetSession(ctx context.Context, individual string) (*models.Session, error) {
	session, err := s.SessionStore.GetSession(ctx, individual)
	if err != nil {
		return nil, err
	}
	key, err := s.box.Open(session.APIKey)
	if err != nil {
		// The key was sealed under a different ENCRYPTION_KEY; the individual has to send it again.
		s.logger.Warn("cannot open stored api key", zap.String("individual", individual), zap.Error(err))
		key = ""
	}
	session.APIKey = key
	return session, nil
}

func (s *SealedSessions) SaveSession(ctx context.Context, session *models.Session) error {
	sealed, err := s.box.Seal(session.APIKey)
	if err != nil {
		return errors.Wrap(err, "seal api key")
	}
	stored := session.Clone()
	stored.APIKey = sealed
	return s.SessionStore.SaveSession(ctx, stored)
}

// SealedStore is a Store whose sessions go through SealedSessions.
type SealedStore struct {
	Store
	sessions *SealedSessions
}

func NewSealedStore(inner Store, box *secrets.Box, logger *zap.Logger) *SealedStore {
	return &SealedStore{Store: inner, sessions: NewSealedSessions(inner, box, logger)}
}

func (s *SealedStore) GetSession(ctx context.Context, individual string) (*models.Session, error) {
	return s.sessions.GetSession(ctx, individual)
}

func (s *SealedStore) SaveSession(ctx context.Context, session *models.Session) error {
	return s.sessions.SaveSession(ctx, session)
}
