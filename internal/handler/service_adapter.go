package handler

import (
	"context"
	"strings"

	"github.com/hitoshi/puppybell/internal/auth"
	"github.com/hitoshi/puppybell/internal/interaction"
	"github.com/hitoshi/puppybell/internal/model"
	"github.com/hitoshi/puppybell/internal/pairing"
	"github.com/hitoshi/puppybell/internal/profile"
)

// ProfileServiceAdapter は profile.Service を ProfileServiceInterface に適合させるアダプタ。
type ProfileServiceAdapter struct {
	svc *profile.Service
}

// NewProfileServiceAdapter はProfileServiceAdapterを生成する。
func NewProfileServiceAdapter(svc *profile.Service) *ProfileServiceAdapter {
	return &ProfileServiceAdapter{svc: svc}
}

// GetProfile は閲覧可能なプロフィールをhandlerレスポンス型で返す。
func (a *ProfileServiceAdapter) GetProfile(ctx context.Context, callerID, userID string) (*identityResponse, error) {
	identity, err := a.svc.GetVisibleProfile(ctx, callerID, userID)
	if err != nil {
		return nil, err
	}
	resp := toIdentityResponse(identity)
	return &resp, nil
}

// SetRole は文字列の役割を解析して設定する。
func (a *ProfileServiceAdapter) SetRole(ctx context.Context, callerID, role string) (*identityResponse, error) {
	parsed, ok := model.ParseRole(role)
	if !ok {
		return nil, model.NewInvalidInputError("role は primary または secondary を指定してください")
	}
	identity, err := a.svc.SetRole(ctx, callerID, parsed)
	if err != nil {
		return nil, err
	}
	resp := toIdentityResponse(identity)
	return &resp, nil
}

// BondServiceAdapter は pairing.Coordinator を BondServiceInterface に適合させるアダプタ。
// 呼び出し元の役割とメールアドレスはプロフィールから解決する。
type BondServiceAdapter struct {
	profiles    *profile.Service
	coordinator *pairing.Coordinator
}

// NewBondServiceAdapter はBondServiceAdapterを生成する。
func NewBondServiceAdapter(profiles *profile.Service, coordinator *pairing.Coordinator) *BondServiceAdapter {
	return &BondServiceAdapter{profiles: profiles, coordinator: coordinator}
}

// SendRequest は呼び出し元の現在の役割でペアリクエストを送信する。
func (a *BondServiceAdapter) SendRequest(ctx context.Context, callerID, receiverEmail string) (*bondRequestResponse, error) {
	caller, err := callerProfile(ctx, a.profiles, callerID)
	if err != nil {
		return nil, err
	}
	req, err := a.coordinator.SendRequest(ctx, caller.ID, caller.Role, receiverEmail)
	if err != nil {
		return nil, err
	}
	resp := toBondRequestResponse(req)
	return &resp, nil
}

// ListSent は送信済みリクエストをhandlerレスポンス型で返す。
func (a *BondServiceAdapter) ListSent(ctx context.Context, callerID string) ([]bondRequestResponse, error) {
	reqs, err := a.coordinator.ListSent(ctx, callerID)
	if err != nil {
		return nil, err
	}
	return toBondRequestResponses(reqs), nil
}

// ListReceived は呼び出し元のメールアドレス宛てのリクエストを返す。
func (a *BondServiceAdapter) ListReceived(ctx context.Context, callerID string) ([]bondRequestResponse, error) {
	caller, err := callerProfile(ctx, a.profiles, callerID)
	if err != nil {
		return nil, err
	}
	reqs, err := a.coordinator.ListReceived(ctx, caller.Email)
	if err != nil {
		return nil, err
	}
	return toBondRequestResponses(reqs), nil
}

// AcceptRequest はリクエストを承認し、成立したペアを返す。
func (a *BondServiceAdapter) AcceptRequest(ctx context.Context, callerID, requestID string) (*pairingResponse, error) {
	p, err := a.coordinator.AcceptRequest(ctx, callerID, requestID)
	if err != nil {
		return nil, err
	}
	return &pairingResponse{
		Request: toBondRequestResponse(&p.Request),
		Self:    toIdentityResponse(&p.Self),
		Partner: toIdentityResponse(&p.Partner),
	}, nil
}

// InteractionServiceAdapter は interaction.Log を InteractionServiceInterface に適合させるアダプタ。
type InteractionServiceAdapter struct {
	profiles *profile.Service
	log      *interaction.Log
}

// NewInteractionServiceAdapter はInteractionServiceAdapterを生成する。
func NewInteractionServiceAdapter(profiles *profile.Service, log *interaction.Log) *InteractionServiceAdapter {
	return &InteractionServiceAdapter{profiles: profiles, log: log}
}

// Notify は通知を記録する。secondaryIDが空の場合は現在のペア相手を宛先にする。
func (a *InteractionServiceAdapter) Notify(ctx context.Context, callerID, secondaryID, notificationType string) (*interactionResponse, error) {
	if secondaryID == "" {
		caller, err := callerProfile(ctx, a.profiles, callerID)
		if err != nil {
			return nil, err
		}
		if !caller.IsBonded() {
			return nil, model.NewInvalidInputError("ペアが成立していません")
		}
		secondaryID = caller.BondedUserID
	}
	if strings.TrimSpace(notificationType) == "" {
		notificationType = model.DefaultNotificationType
	}

	created, err := a.log.LogNotification(ctx, callerID, secondaryID, notificationType)
	if err != nil {
		return nil, err
	}
	resp := toInteractionResponse(created)
	return &resp, nil
}

// Respond は応答を記録する。
func (a *InteractionServiceAdapter) Respond(ctx context.Context, callerID, interactionID, responseType string) (*interactionResponse, error) {
	updated, err := a.log.LogResponse(ctx, callerID, interactionID, responseType)
	if err != nil {
		return nil, err
	}
	resp := toInteractionResponse(updated)
	return &resp, nil
}

// Get はインタラクションをhandlerレスポンス型で返す。
func (a *InteractionServiceAdapter) Get(ctx context.Context, callerID, interactionID string) (*interactionResponse, error) {
	found, err := a.log.Get(ctx, callerID, interactionID)
	if err != nil {
		return nil, err
	}
	resp := toInteractionResponse(found)
	return &resp, nil
}

// List はペア間の履歴をhandlerレスポンス型で返す。
func (a *InteractionServiceAdapter) List(ctx context.Context, callerID string, limit int) ([]interactionResponse, error) {
	list, err := a.log.ListForPair(ctx, callerID, limit)
	if err != nil {
		return nil, err
	}
	results := make([]interactionResponse, len(list))
	for i, it := range list {
		results[i] = toInteractionResponse(it)
	}
	return results, nil
}

// AuthServiceAdapter は auth.Service を AuthServiceInterface に適合させるアダプタ。
type AuthServiceAdapter struct {
	svc *auth.Service
}

// NewAuthServiceAdapter はAuthServiceAdapterを生成する。
func NewAuthServiceAdapter(svc *auth.Service) *AuthServiceAdapter {
	return &AuthServiceAdapter{svc: svc}
}

// Logout はセッションを破棄する。
func (a *AuthServiceAdapter) Logout(ctx context.Context, sessionID string) error {
	return a.svc.Logout(ctx, sessionID)
}

// CurrentIdentity はセッションの所有者をhandlerレスポンス型で返す。
func (a *AuthServiceAdapter) CurrentIdentity(ctx context.Context, sessionID string) (*identityResponse, error) {
	identity, err := a.svc.CurrentIdentity(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	resp := toIdentityResponse(identity)
	return &resp, nil
}

// callerProfile は呼び出し元のプロフィールを取得する。
// セッションは有効だがプロフィールが存在しない場合はUNAUTHENTICATEDとする。
func callerProfile(ctx context.Context, profiles *profile.Service, callerID string) (*model.Identity, error) {
	if callerID == "" {
		return nil, model.NewUnauthenticatedError("呼び出し元が特定できません")
	}
	caller, err := profiles.GetProfile(ctx, callerID)
	if model.HasCode(err, model.ErrCodeNotFound) {
		return nil, model.NewUnauthenticatedError("ユーザーが登録されていません")
	}
	if err != nil {
		return nil, err
	}
	return caller, nil
}

func toIdentityResponse(identity *model.Identity) identityResponse {
	return identityResponse{
		ID:           identity.ID,
		Email:        identity.Email,
		DisplayName:  identity.DisplayName,
		Role:         string(identity.Role),
		BondedUserID: identity.BondedUserID,
		CreatedAt:    identity.CreatedAt,
	}
}

func toBondRequestResponse(req *model.BondRequest) bondRequestResponse {
	return bondRequestResponse{
		ID:            req.ID,
		SenderID:      req.SenderID,
		SenderRole:    string(req.SenderRole),
		ReceiverEmail: req.ReceiverEmail,
		Status:        string(req.Status),
		CreatedAt:     req.CreatedAt,
		AcceptedAt:    req.AcceptedAt,
	}
}

func toBondRequestResponses(reqs []*model.BondRequest) []bondRequestResponse {
	results := make([]bondRequestResponse, len(reqs))
	for i, req := range reqs {
		results[i] = toBondRequestResponse(req)
	}
	return results
}

func toInteractionResponse(it *model.Interaction) interactionResponse {
	return interactionResponse{
		ID:                  it.ID,
		PrimaryID:           it.PrimaryID,
		SecondaryID:         it.SecondaryID,
		Type:                it.Type,
		Timestamp:           it.Timestamp,
		ResponseType:        it.ResponseType,
		ResponseTimestamp:   it.ResponseTimestamp,
		ResponseTimeSeconds: it.ResponseTimeSeconds,
	}
}
