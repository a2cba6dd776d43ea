// Package auth はユーザーのプロビジョニングとセッション管理を提供する。
//
// 資格情報の検証は外部の認証基盤が行い、このパッケージは検証済みのメールアドレスに対して
// プロフィールを作成（または再利用）し、セッションを発行する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/puppybell/internal/model"
	"github.com/hitoshi/puppybell/internal/repository"
	"github.com/hitoshi/puppybell/internal/security"
)

// MaxDisplayNameLength は表示名の最大文字数。
const MaxDisplayNameLength = 64

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
}

// Service はプロビジョニングとセッションに関するビジネスロジックを提供する。
type Service struct {
	identities repository.IdentityRepository
	sessions   repository.SessionRepository
	sanitizer  security.LabelSanitizer
	config     ServiceConfig
	now        func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	identities repository.IdentityRepository,
	sessions repository.SessionRepository,
	sanitizer security.LabelSanitizer,
	config ServiceConfig,
) *Service {
	return &Service{
		identities: identities,
		sessions:   sessions,
		sanitizer:  sanitizer,
		config:     config,
		now:        time.Now,
	}
}

// SetClock はサーバー時刻の取得関数を差し替える。
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Provision は検証済みメールアドレスのユーザーを取得または作成し、セッションを発行する。
// 表示名が空の場合はメールアドレスのローカル部を使用する。
func (s *Service) Provision(ctx context.Context, email, displayName string) (*model.Identity, *model.Session, error) {
	normalized, err := security.NormalizeEmail(email)
	if err != nil {
		return nil, nil, model.NewInvalidInputError(err.Error())
	}

	name := s.sanitizer.CleanLabel(displayName)
	if name == "" {
		name = normalized[:strings.LastIndex(normalized, "@")]
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return nil, nil, model.NewInvalidInputError(fmt.Sprintf("表示名は%d文字以内で指定してください", MaxDisplayNameLength))
	}

	existing, err := s.identities.ListByEmail(ctx, normalized)
	if err != nil {
		return nil, nil, model.NewStoreUnavailableError(fmt.Errorf("failed to find identity: %w", err))
	}

	var identity *model.Identity
	switch len(existing) {
	case 0:
		now := s.now().UTC()
		identity = &model.Identity{
			ID:          uuid.New().String(),
			Email:       normalized,
			DisplayName: name,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err := s.identities.Create(ctx, identity)
		switch {
		case errors.Is(err, model.ErrDuplicate):
			// 同じメールアドレスの同時払い出しに負けた場合は作成された方を使う
			identity, err = s.findProvisioned(ctx, normalized)
			if err != nil {
				return nil, nil, err
			}
		case err != nil:
			return nil, nil, model.NewStoreUnavailableError(fmt.Errorf("failed to create identity: %w", err))
		default:
			slog.Info("new identity provisioned",
				slog.String("user_id", identity.ID),
				slog.String("email", normalized),
			)
		}
	case 1:
		identity = existing[0]
		slog.Info("existing identity signed in", slog.String("user_id", identity.ID))
	default:
		return nil, nil, model.NewAmbiguousReceiverError(normalized)
	}

	session, err := s.createSession(ctx, identity.ID)
	if err != nil {
		return nil, nil, model.NewStoreUnavailableError(fmt.Errorf("failed to create session: %w", err))
	}
	return identity, session, nil
}

// findProvisioned は一意制約違反の後に、既に作成済みのユーザーを取得する。
func (s *Service) findProvisioned(ctx context.Context, email string) (*model.Identity, error) {
	existing, err := s.identities.ListByEmail(ctx, email)
	if err != nil {
		return nil, model.NewStoreUnavailableError(fmt.Errorf("failed to find identity: %w", err))
	}
	switch len(existing) {
	case 0:
		return nil, model.NewStoreUnavailableError(fmt.Errorf("identity for %s vanished after duplicate insert", email))
	case 1:
		return existing[0], nil
	default:
		return nil, model.NewAmbiguousReceiverError(email)
	}
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return model.NewUnauthenticatedError("session ID is required")
	}

	if err := s.sessions.DeleteByID(ctx, sessionID); err != nil {
		return model.NewStoreUnavailableError(fmt.Errorf("failed to delete session: %w", err))
	}

	slog.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// CurrentIdentity はセッションから現在のユーザーを取得する。
func (s *Service) CurrentIdentity(ctx context.Context, sessionID string) (*model.Identity, error) {
	if sessionID == "" {
		return nil, model.NewUnauthenticatedError("session ID is required")
	}

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, model.NewStoreUnavailableError(fmt.Errorf("failed to find session: %w", err))
	}
	if session == nil {
		return nil, model.NewUnauthenticatedError("session not found or expired")
	}

	identity, err := s.identities.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, model.NewStoreUnavailableError(fmt.Errorf("failed to find identity: %w", err))
	}
	if identity == nil {
		return nil, model.NewUnauthenticatedError("identity not found")
	}
	return identity, nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now().UTC()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
