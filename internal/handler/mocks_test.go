package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/puppybell/internal/middleware"
)

// --- モック定義 ---

// mockProfileService はProfileServiceInterfaceのモック実装。
type mockProfileService struct {
	getProfileFn func(ctx context.Context, callerID, userID string) (*identityResponse, error)
	setRoleFn    func(ctx context.Context, callerID, role string) (*identityResponse, error)
}

func (m *mockProfileService) GetProfile(ctx context.Context, callerID, userID string) (*identityResponse, error) {
	if m.getProfileFn != nil {
		return m.getProfileFn(ctx, callerID, userID)
	}
	return nil, nil
}

func (m *mockProfileService) SetRole(ctx context.Context, callerID, role string) (*identityResponse, error) {
	if m.setRoleFn != nil {
		return m.setRoleFn(ctx, callerID, role)
	}
	return nil, nil
}

// mockBondService はBondServiceInterfaceのモック実装。
type mockBondService struct {
	sendRequestFn   func(ctx context.Context, callerID, receiverEmail string) (*bondRequestResponse, error)
	listSentFn      func(ctx context.Context, callerID string) ([]bondRequestResponse, error)
	listReceivedFn  func(ctx context.Context, callerID string) ([]bondRequestResponse, error)
	acceptRequestFn func(ctx context.Context, callerID, requestID string) (*pairingResponse, error)
}

func (m *mockBondService) SendRequest(ctx context.Context, callerID, receiverEmail string) (*bondRequestResponse, error) {
	if m.sendRequestFn != nil {
		return m.sendRequestFn(ctx, callerID, receiverEmail)
	}
	return nil, nil
}

func (m *mockBondService) ListSent(ctx context.Context, callerID string) ([]bondRequestResponse, error) {
	if m.listSentFn != nil {
		return m.listSentFn(ctx, callerID)
	}
	return []bondRequestResponse{}, nil
}

func (m *mockBondService) ListReceived(ctx context.Context, callerID string) ([]bondRequestResponse, error) {
	if m.listReceivedFn != nil {
		return m.listReceivedFn(ctx, callerID)
	}
	return []bondRequestResponse{}, nil
}

func (m *mockBondService) AcceptRequest(ctx context.Context, callerID, requestID string) (*pairingResponse, error) {
	if m.acceptRequestFn != nil {
		return m.acceptRequestFn(ctx, callerID, requestID)
	}
	return nil, nil
}

// mockInteractionService はInteractionServiceInterfaceのモック実装。
type mockInteractionService struct {
	notifyFn  func(ctx context.Context, callerID, secondaryID, notificationType string) (*interactionResponse, error)
	respondFn func(ctx context.Context, callerID, interactionID, responseType string) (*interactionResponse, error)
	getFn     func(ctx context.Context, callerID, interactionID string) (*interactionResponse, error)
	listFn    func(ctx context.Context, callerID string, limit int) ([]interactionResponse, error)
}

func (m *mockInteractionService) Notify(ctx context.Context, callerID, secondaryID, notificationType string) (*interactionResponse, error) {
	if m.notifyFn != nil {
		return m.notifyFn(ctx, callerID, secondaryID, notificationType)
	}
	return nil, nil
}

func (m *mockInteractionService) Respond(ctx context.Context, callerID, interactionID, responseType string) (*interactionResponse, error) {
	if m.respondFn != nil {
		return m.respondFn(ctx, callerID, interactionID, responseType)
	}
	return nil, nil
}

func (m *mockInteractionService) Get(ctx context.Context, callerID, interactionID string) (*interactionResponse, error) {
	if m.getFn != nil {
		return m.getFn(ctx, callerID, interactionID)
	}
	return nil, nil
}

func (m *mockInteractionService) List(ctx context.Context, callerID string, limit int) ([]interactionResponse, error) {
	if m.listFn != nil {
		return m.listFn(ctx, callerID, limit)
	}
	return []interactionResponse{}, nil
}

// mockAuthService はAuthServiceInterfaceのモック実装。
type mockAuthService struct {
	logoutFn          func(ctx context.Context, sessionID string) error
	currentIdentityFn func(ctx context.Context, sessionID string) (*identityResponse, error)
}

func (m *mockAuthService) Logout(ctx context.Context, sessionID string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, sessionID)
	}
	return nil
}

func (m *mockAuthService) CurrentIdentity(ctx context.Context, sessionID string) (*identityResponse, error) {
	if m.currentIdentityFn != nil {
		return m.currentIdentityFn(ctx, sessionID)
	}
	return nil, nil
}

// withUserID はテスト用にリクエストコンテキストへユーザーIDを注入する。
func withUserID(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.ContextWithUserID(r.Context(), userID))
}
