package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/puppybell/internal/model"
)

// storeFactory はテストごとに空のStoreを返す。
type storeFactory func(t *testing.T) Store

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seedIdentity(t *testing.T, s Store, id, email string) *model.Identity {
	t.Helper()
	identity := &model.Identity{
		ID:        id,
		Email:     email,
		CreatedAt: baseTime,
		UpdatedAt: baseTime,
	}
	if err := s.Identities().Create(context.Background(), identity); err != nil {
		t.Fatalf("identity作成に失敗: %v", err)
	}
	return identity
}

// runStoreContract は全Store実装が満たすべき振る舞いを検証する。
func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("Identity_FindAndList", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedIdentity(t, s, "u1", "a@example.com")

		got, err := s.Identities().FindByID(ctx, "u1")
		if err != nil {
			t.Fatalf("FindByID returned error: %v", err)
		}
		if got == nil || got.Email != "a@example.com" || got.Role.IsSet() || got.IsBonded() {
			t.Fatalf("FindByID = %+v, want unbonded identity with unset role", got)
		}

		missing, err := s.Identities().FindByID(ctx, "nope")
		if err != nil || missing != nil {
			t.Errorf("FindByID(nope) = %v, %v, want nil, nil", missing, err)
		}

		list, err := s.Identities().ListByEmail(ctx, "a@example.com")
		if err != nil {
			t.Fatalf("ListByEmail returned error: %v", err)
		}
		if len(list) != 1 || list[0].ID != "u1" {
			t.Errorf("ListByEmail = %v, want [u1]", list)
		}
	})

	t.Run("Identity_SetRoleOnlyOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedIdentity(t, s, "u1", "a@example.com")

		ok, err := s.Identities().SetRole(ctx, "u1", model.RolePrimary, baseTime.Add(time.Minute))
		if err != nil || !ok {
			t.Fatalf("first SetRole = %v, %v, want true, nil", ok, err)
		}
		ok, err = s.Identities().SetRole(ctx, "u1", model.RoleSecondary, baseTime.Add(2*time.Minute))
		if err != nil || ok {
			t.Fatalf("second SetRole = %v, %v, want false, nil", ok, err)
		}

		got, _ := s.Identities().FindByID(ctx, "u1")
		if got.Role != model.RolePrimary {
			t.Errorf("Role = %q, want %q", got.Role, model.RolePrimary)
		}
	})

	t.Run("Identity_SetBondedUserIDConditional", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedIdentity(t, s, "u1", "a@example.com")
		seedIdentity(t, s, "u2", "b@example.com")
		seedIdentity(t, s, "u3", "c@example.com")

		ok, err := s.Identities().SetBondedUserID(ctx, "u1", "u2", baseTime)
		if err != nil || !ok {
			t.Fatalf("bond u1->u2 = %v, %v, want true, nil", ok, err)
		}
		ok, err = s.Identities().SetBondedUserID(ctx, "u1", "u2", baseTime)
		if err != nil || !ok {
			t.Errorf("rebond same partner = %v, %v, want true, nil", ok, err)
		}
		ok, err = s.Identities().SetBondedUserID(ctx, "u1", "u3", baseTime)
		if err != nil || ok {
			t.Errorf("bond u1->u3 = %v, %v, want false, nil", ok, err)
		}

		got, _ := s.Identities().FindByID(ctx, "u1")
		if !got.IsBondedTo("u2") {
			t.Errorf("BondedUserID = %q, want u2", got.BondedUserID)
		}
	})

	t.Run("BondRequest_ListOrderAndStatus", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedIdentity(t, s, "u1", "a@example.com")

		for i, id := range []string{"r2", "r1", "r3"} {
			req := &model.BondRequest{
				ID:            id,
				SenderID:      "u1",
				SenderRole:    model.RolePrimary,
				ReceiverEmail: "b@example.com",
				Status:        model.BondStatusPending,
				CreatedAt:     baseTime.Add(time.Duration(i) * time.Second),
			}
			if err := s.BondRequests().Create(ctx, req); err != nil {
				t.Fatalf("Create(%s) returned error: %v", id, err)
			}
		}

		sent, err := s.BondRequests().ListBySenderID(ctx, "u1")
		if err != nil {
			t.Fatalf("ListBySenderID returned error: %v", err)
		}
		if len(sent) != 3 || sent[0].ID != "r2" || sent[1].ID != "r1" || sent[2].ID != "r3" {
			t.Errorf("ListBySenderID order = %v, want created_at ascending", requestIDs(sent))
		}

		received, err := s.BondRequests().ListByReceiverEmail(ctx, "b@example.com")
		if err != nil || len(received) != 3 {
			t.Fatalf("ListByReceiverEmail = %d, %v, want 3 rows", len(received), err)
		}

		acceptedAt := baseTime.Add(time.Hour)
		ok, err := s.BondRequests().UpdateStatus(ctx, "r1", model.BondStatusPending, model.BondStatusAccepted, acceptedAt)
		if err != nil || !ok {
			t.Fatalf("UpdateStatus = %v, %v, want true, nil", ok, err)
		}
		ok, err = s.BondRequests().UpdateStatus(ctx, "r1", model.BondStatusPending, model.BondStatusAccepted, acceptedAt)
		if err != nil || ok {
			t.Errorf("second UpdateStatus = %v, %v, want false, nil", ok, err)
		}

		got, _ := s.BondRequests().FindByID(ctx, "r1")
		if got.Status != model.BondStatusAccepted {
			t.Errorf("Status = %q, want accepted", got.Status)
		}
		if got.AcceptedAt == nil || !got.AcceptedAt.Equal(acceptedAt) {
			t.Errorf("AcceptedAt = %v, want %v", got.AcceptedAt, acceptedAt)
		}
	})

	t.Run("Interaction_RecordResponseOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedIdentity(t, s, "p", "p@example.com")
		seedIdentity(t, s, "s", "s@example.com")

		if err := s.Interactions().Create(ctx, &model.Interaction{
			ID: "i1", PrimaryID: "p", SecondaryID: "s", Type: "ring", Timestamp: baseTime,
		}); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}

		got, _ := s.Interactions().FindByID(ctx, "i1")
		if got == nil || got.HasResponse() {
			t.Fatalf("new interaction = %+v, want no response", got)
		}

		respondedAt := baseTime.Add(7 * time.Second)
		ok, err := s.Interactions().RecordResponse(ctx, "i1", "Coming!", respondedAt, 7)
		if err != nil || !ok {
			t.Fatalf("RecordResponse = %v, %v, want true, nil", ok, err)
		}
		ok, err = s.Interactions().RecordResponse(ctx, "i1", "Cuddle", respondedAt.Add(time.Minute), 67)
		if err != nil || ok {
			t.Errorf("second RecordResponse = %v, %v, want false, nil", ok, err)
		}

		got, _ = s.Interactions().FindByID(ctx, "i1")
		if got.ResponseType == nil || *got.ResponseType != "Coming!" {
			t.Errorf("ResponseType = %v, want Coming!", got.ResponseType)
		}
		if got.ResponseTimeSeconds == nil || *got.ResponseTimeSeconds != 7 {
			t.Errorf("ResponseTimeSeconds = %v, want 7", got.ResponseTimeSeconds)
		}
		if got.ResponseTimestamp == nil || !got.ResponseTimestamp.Equal(respondedAt) {
			t.Errorf("ResponseTimestamp = %v, want %v", got.ResponseTimestamp, respondedAt)
		}
	})

	t.Run("Interaction_ListByPairAndRetention", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedIdentity(t, s, "p", "p@example.com")
		seedIdentity(t, s, "s", "s@example.com")
		seedIdentity(t, s, "x", "x@example.com")

		rows := []model.Interaction{
			{ID: "i1", PrimaryID: "p", SecondaryID: "s", Type: "ring", Timestamp: baseTime},
			{ID: "i2", PrimaryID: "s", SecondaryID: "p", Type: "ring", Timestamp: baseTime.Add(time.Minute)},
			{ID: "i3", PrimaryID: "p", SecondaryID: "s", Type: "walk", Timestamp: baseTime.Add(2 * time.Minute)},
			{ID: "i4", PrimaryID: "p", SecondaryID: "x", Type: "ring", Timestamp: baseTime.Add(3 * time.Minute)},
		}
		for i := range rows {
			if err := s.Interactions().Create(ctx, &rows[i]); err != nil {
				t.Fatalf("Create(%s) returned error: %v", rows[i].ID, err)
			}
		}
		if err := s.Deliveries().Create(ctx, newTestDelivery("d1", "i1", "s", baseTime)); err != nil {
			t.Fatalf("delivery Create returned error: %v", err)
		}

		list, err := s.Interactions().ListByPair(ctx, "s", "p", 2)
		if err != nil {
			t.Fatalf("ListByPair returned error: %v", err)
		}
		if len(list) != 2 || list[0].ID != "i3" || list[1].ID != "i2" {
			t.Errorf("ListByPair = %v, want [i3 i2]", interactionIDs(list))
		}

		n, err := s.Interactions().DeleteOlderThan(ctx, baseTime.Add(30*time.Second))
		if err != nil || n != 1 {
			t.Fatalf("DeleteOlderThan = %d, %v, want 1, nil", n, err)
		}
		if got, _ := s.Interactions().FindByID(ctx, "i1"); got != nil {
			t.Error("i1 should be deleted")
		}
		claimed, err := s.Deliveries().ClaimDue(ctx, baseTime.Add(time.Hour), baseTime.Add(2*time.Hour), 10)
		if err != nil {
			t.Fatalf("ClaimDue returned error: %v", err)
		}
		if len(claimed) != 0 {
			t.Errorf("outbox rows of deleted interaction remain: %d", len(claimed))
		}
	})

	t.Run("Delivery_ClaimLeaseAndCleanup", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedIdentity(t, s, "p", "p@example.com")
		seedIdentity(t, s, "s", "s@example.com")
		if err := s.Interactions().Create(ctx, &model.Interaction{
			ID: "i1", PrimaryID: "p", SecondaryID: "s", Type: "ring", Timestamp: baseTime,
		}); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
		if err := s.Deliveries().Create(ctx, newTestDelivery("d1", "i1", "s", baseTime)); err != nil {
			t.Fatalf("Create(d1) returned error: %v", err)
		}
		if err := s.Deliveries().Create(ctx, newTestDelivery("d2", "i1", "p", baseTime.Add(time.Hour))); err != nil {
			t.Fatalf("Create(d2) returned error: %v", err)
		}

		now := baseTime.Add(time.Minute)
		lease := now.Add(5 * time.Minute)
		claimed, err := s.Deliveries().ClaimDue(ctx, now, lease, 10)
		if err != nil {
			t.Fatalf("ClaimDue returned error: %v", err)
		}
		if len(claimed) != 1 || claimed[0].ID != "d1" {
			t.Fatalf("ClaimDue = %v, want [d1]", claimed)
		}
		if string(claimed[0].Payload) != `{"id":"d1"}` {
			t.Errorf("Payload = %s", claimed[0].Payload)
		}

		again, err := s.Deliveries().ClaimDue(ctx, now, lease, 10)
		if err != nil || len(again) != 0 {
			t.Errorf("leased row claimed twice: %d, %v", len(again), err)
		}

		d := claimed[0]
		d.Status = model.DeliveryStatusDelivered
		d.Attempts = 1
		d.UpdatedAt = now
		if err := s.Deliveries().Update(ctx, d); err != nil {
			t.Fatalf("Update returned error: %v", err)
		}

		n, err := s.Deliveries().DeleteFinishedBefore(ctx, now.Add(time.Second))
		if err != nil || n != 1 {
			t.Errorf("DeleteFinishedBefore = %d, %v, want 1, nil", n, err)
		}
	})

	t.Run("WithinTx_RollbackOnError", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedIdentity(t, s, "u1", "a@example.com")

		errBoom := errors.New("boom")
		err := s.WithinTx(ctx, func(tx Tx) error {
			if _, err := tx.Identities().SetRole(ctx, "u1", model.RolePrimary, baseTime); err != nil {
				return err
			}
			if err := tx.Identities().Create(ctx, &model.Identity{
				ID: "u2", Email: "b@example.com", CreatedAt: baseTime, UpdatedAt: baseTime,
			}); err != nil {
				return err
			}
			return errBoom
		})
		if !errors.Is(err, errBoom) {
			t.Fatalf("WithinTx error = %v, want %v", err, errBoom)
		}

		got, _ := s.Identities().FindByID(ctx, "u1")
		if got.Role.IsSet() {
			t.Error("role change should be rolled back")
		}
		if created, _ := s.Identities().FindByID(ctx, "u2"); created != nil {
			t.Error("created identity should be rolled back")
		}
	})

	t.Run("WithinTx_Commit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedIdentity(t, s, "u1", "a@example.com")

		err := s.WithinTx(ctx, func(tx Tx) error {
			_, err := tx.Identities().SetRole(ctx, "u1", model.RoleSecondary, baseTime)
			return err
		})
		if err != nil {
			t.Fatalf("WithinTx returned error: %v", err)
		}
		got, _ := s.Identities().FindByID(ctx, "u1")
		if got.Role != model.RoleSecondary {
			t.Errorf("Role = %q, want secondary", got.Role)
		}
	})

	t.Run("Session_Expiry", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedIdentity(t, s, "u1", "a@example.com")

		now := time.Now().UTC()
		live := &model.Session{ID: "live", UserID: "u1", ExpiresAt: now.Add(time.Hour), CreatedAt: now}
		dead := &model.Session{ID: "dead", UserID: "u1", ExpiresAt: now.Add(-time.Hour), CreatedAt: now.Add(-2 * time.Hour)}
		for _, sess := range []*model.Session{live, dead} {
			if err := s.Sessions().Create(ctx, sess); err != nil {
				t.Fatalf("Create(%s) returned error: %v", sess.ID, err)
			}
		}

		got, err := s.Sessions().FindByID(ctx, "live")
		if err != nil || got == nil || got.UserID != "u1" {
			t.Fatalf("FindByID(live) = %v, %v", got, err)
		}
		if got, _ := s.Sessions().FindByID(ctx, "dead"); got != nil {
			t.Error("expired session should not be returned")
		}

		n, err := s.Sessions().DeleteExpired(ctx, now)
		if err != nil || n != 1 {
			t.Errorf("DeleteExpired = %d, %v, want 1, nil", n, err)
		}

		if err := s.Sessions().DeleteByID(ctx, "live"); err != nil {
			t.Fatalf("DeleteByID returned error: %v", err)
		}
		if got, _ := s.Sessions().FindByID(ctx, "live"); got != nil {
			t.Error("deleted session should not be returned")
		}
	})
}

func newTestDelivery(id, interactionID, recipientID string, due time.Time) *model.Delivery {
	return &model.Delivery{
		ID:            id,
		InteractionID: interactionID,
		Event:         model.DeliveryEventNotified,
		RecipientID:   recipientID,
		Payload:       []byte(`{"id":"` + id + `"}`),
		Status:        model.DeliveryStatusPending,
		NextAttemptAt: due,
		CreatedAt:     baseTime,
		UpdatedAt:     baseTime,
	}
}

func requestIDs(reqs []*model.BondRequest) []string {
	ids := make([]string, len(reqs))
	for i, r := range reqs {
		ids[i] = r.ID
	}
	return ids
}

func interactionIDs(list []*model.Interaction) []string {
	ids := make([]string, len(list))
	for i, v := range list {
		ids[i] = v.ID
	}
	return ids
}
