// Package profile はユーザープロフィールの参照と役割選択を提供する。
package profile

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/puppybell/internal/model"
	"github.com/hitoshi/puppybell/internal/repository"
)

// Service はプロフィールのサービス層。
type Service struct {
	identities repository.IdentityRepository
	now        func() time.Time
}

// NewService はServiceを生成する。
func NewService(identities repository.IdentityRepository) *Service {
	return &Service{identities: identities, now: time.Now}
}

// GetProfile は指定ユーザーのプロフィールを返す。
func (s *Service) GetProfile(ctx context.Context, userID string) (*model.Identity, error) {
	identity, err := s.identities.FindByID(ctx, userID)
	if err != nil {
		return nil, model.AsStoreError(err)
	}
	if identity == nil {
		return nil, model.NewNotFoundError("ユーザー", userID)
	}
	return identity, nil
}

// GetVisibleProfile は呼び出し元が閲覧できるプロフィールを返す。
// 閲覧できるのは本人とペア相手のみで、それ以外はNOT_FOUNDとする。
func (s *Service) GetVisibleProfile(ctx context.Context, callerID, userID string) (*model.Identity, error) {
	if callerID == "" {
		return nil, model.NewUnauthenticatedError("呼び出し元が特定できません")
	}
	target, err := s.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if target.ID == callerID || target.IsBondedTo(callerID) {
		return target, nil
	}
	return nil, model.NewNotFoundError("ユーザー", userID)
}

// SetRole は役割を設定する。役割は未選択の場合に一度だけ設定できる。
// 同じ役割の再設定は成功扱い、異なる役割への変更はINVALID_STATEを返す。
func (s *Service) SetRole(ctx context.Context, callerID string, role model.Role) (*model.Identity, error) {
	if callerID == "" {
		return nil, model.NewUnauthenticatedError("呼び出し元が特定できません")
	}
	if !role.IsSet() {
		return nil, model.NewInvalidInputError("role は primary または secondary を指定してください")
	}

	identity, err := s.identities.FindByID(ctx, callerID)
	if err != nil {
		return nil, model.AsStoreError(err)
	}
	if identity == nil {
		return nil, model.NewUnauthenticatedError("ユーザーが登録されていません")
	}
	if identity.Role == role {
		return identity, nil
	}
	if identity.Role.IsSet() {
		return nil, model.NewInvalidStateError("役割は既に選択済みです")
	}

	at := s.now().UTC()
	ok, err := s.identities.SetRole(ctx, callerID, role, at)
	if err != nil {
		return nil, model.AsStoreError(err)
	}
	if !ok {
		// 同時に別の役割が設定された
		current, err := s.identities.FindByID(ctx, callerID)
		if err != nil {
			return nil, model.AsStoreError(err)
		}
		if current != nil && current.Role == role {
			return current, nil
		}
		return nil, model.NewInvalidStateError("役割は既に選択済みです")
	}

	identity.Role = role
	identity.UpdatedAt = at
	slog.Info("role selected",
		slog.String("user_id", callerID),
		slog.String("role", string(role)),
	)
	return identity, nil
}
