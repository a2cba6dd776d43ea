package interaction

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/puppybell/internal/model"
	"github.com/hitoshi/puppybell/internal/repository"
	"github.com/hitoshi/puppybell/internal/security"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// fakeClock は手動で進める時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store *repository.MemoryStore
	log   *Log
	clock *fakeClock
}

// newFixture はx（primary）とy（secondary）がペア、zが未ペアの状態を用意する。
func newFixture(t *testing.T, config LogConfig) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	for _, identity := range []*model.Identity{
		{ID: "x", Email: "x@example.com", Role: model.RolePrimary, BondedUserID: "y"},
		{ID: "y", Email: "y@example.com", Role: model.RoleSecondary, BondedUserID: "x"},
		{ID: "z", Email: "z@example.com", Role: model.RoleSecondary},
	} {
		identity.CreatedAt, identity.UpdatedAt = t0, t0
		if err := store.Identities().Create(context.Background(), identity); err != nil {
			t.Fatalf("identity作成に失敗: %v", err)
		}
	}
	clock := &fakeClock{now: t0}
	l := NewLog(store, security.NewLabelSanitizer(), nil, config)
	l.SetClock(clock.Now)
	return &fixture{store: store, log: l, clock: clock}
}

func TestLogNotification_CreatesUnansweredInteraction(t *testing.T) {
	f := newFixture(t, LogConfig{})

	got, err := f.log.LogNotification(context.Background(), "x", "y", "ring")
	if err != nil {
		t.Fatalf("LogNotification returned error: %v", err)
	}
	if got.ID == "" || got.PrimaryID != "x" || got.SecondaryID != "y" || got.Type != "ring" {
		t.Errorf("interaction = %+v", got)
	}
	if !got.Timestamp.Equal(t0) {
		t.Errorf("Timestamp = %v, want server clock %v", got.Timestamp, t0)
	}
	if got.HasResponse() || got.ResponseTimestamp != nil || got.ResponseTimeSeconds != nil {
		t.Error("response fields must be unset")
	}
}

// ペアでない2人の間の通知はINVALID_INPUTになること
func TestLogNotification_NotBonded(t *testing.T) {
	f := newFixture(t, LogConfig{})
	ctx := context.Background()

	tests := []struct {
		name      string
		primary   string
		secondary string
		wantCode  string
	}{
		{"unbonded pair", "x", "z", model.ErrCodeInvalidInput},
		{"reverse unbonded", "z", "x", model.ErrCodeInvalidInput},
		{"unknown secondary", "x", "ghost", model.ErrCodeInvalidInput},
		{"self", "x", "x", model.ErrCodeInvalidInput},
		{"missing secondary", "x", "", model.ErrCodeInvalidInput},
		{"anonymous", "", "y", model.ErrCodeUnauthenticated},
		{"unknown primary", "ghost", "y", model.ErrCodeUnauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.log.LogNotification(ctx, tt.primary, tt.secondary, "ring")
			if !model.HasCode(err, tt.wantCode) {
				t.Errorf("error = %v, want %s", err, tt.wantCode)
			}
		})
	}
}

// 片側だけのペア参照では通知できないこと
func TestLogNotification_OneSidedBondRejected(t *testing.T) {
	f := newFixture(t, LogConfig{})
	ctx := context.Background()
	if err := f.store.Identities().Create(ctx, &model.Identity{
		ID: "w", Email: "w@example.com", BondedUserID: "z", CreatedAt: t0, UpdatedAt: t0,
	}); err != nil {
		t.Fatalf("identity作成に失敗: %v", err)
	}

	if _, err := f.log.LogNotification(ctx, "w", "z", "ring"); !model.HasCode(err, model.ErrCodeInvalidInput) {
		t.Errorf("error = %v, want INVALID_INPUT", err)
	}
}

// 通知はMasterからPuppyへの向きのみ許可されること
func TestLogNotification_RequiresMasterToPuppy(t *testing.T) {
	f := newFixture(t, LogConfig{})
	ctx := context.Background()
	for _, identity := range []*model.Identity{
		{ID: "u", Email: "u@example.com", BondedUserID: "v"},
		{ID: "v", Email: "v@example.com", BondedUserID: "u"},
		{ID: "m1", Email: "m1@example.com", Role: model.RolePrimary, BondedUserID: "m2"},
		{ID: "m2", Email: "m2@example.com", Role: model.RolePrimary, BondedUserID: "m1"},
	} {
		identity.CreatedAt, identity.UpdatedAt = t0, t0
		if err := f.store.Identities().Create(ctx, identity); err != nil {
			t.Fatalf("identity作成に失敗: %v", err)
		}
	}

	tests := []struct {
		name      string
		primary   string
		secondary string
	}{
		{"puppy rings master", "y", "x"},
		{"roles unset", "u", "v"},
		{"both masters", "m1", "m2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.log.LogNotification(ctx, tt.primary, tt.secondary, "ring")
			if !model.HasCode(err, model.ErrCodeInvalidInput) {
				t.Errorf("error = %v, want INVALID_INPUT", err)
			}
			if got != nil {
				t.Errorf("interaction = %+v, want nil", got)
			}
		})
	}

	// 逆向きの通知は記録されないため、Masterが応答できる通知も存在しない
	history, err := f.log.ListForPair(ctx, "x", 10)
	if err != nil {
		t.Fatalf("ListForPair returned error: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("history = %d items, want 0", len(history))
	}
}

func TestLogNotification_LabelValidation(t *testing.T) {
	f := newFixture(t, LogConfig{})
	ctx := context.Background()

	if _, err := f.log.LogNotification(ctx, "x", "y", "   "); !model.HasCode(err, model.ErrCodeInvalidInput) {
		t.Errorf("blank type error = %v, want INVALID_INPUT", err)
	}
	if _, err := f.log.LogNotification(ctx, "x", "y", strings.Repeat("a", model.MaxLabelLength+1)); !model.HasCode(err, model.ErrCodeInvalidInput) {
		t.Errorf("long type error = %v, want INVALID_INPUT", err)
	}

	got, err := f.log.LogNotification(ctx, "x", "y", "<b>walk</b>  time")
	if err != nil {
		t.Fatalf("LogNotification returned error: %v", err)
	}
	if got.Type != "walk time" {
		t.Errorf("Type = %q, want sanitized label", got.Type)
	}
}

// 通知から7秒後に応答するとresponseTimeSecondsが7になること
func TestLogResponse_TimedWithServerClock(t *testing.T) {
	f := newFixture(t, LogConfig{})
	ctx := context.Background()

	notified, err := f.log.LogNotification(ctx, "x", "y", "ring")
	if err != nil {
		t.Fatalf("LogNotification returned error: %v", err)
	}

	f.clock.Advance(7 * time.Second)
	responded, err := f.log.LogResponse(ctx, "y", notified.ID, "Coming!")
	if err != nil {
		t.Fatalf("LogResponse returned error: %v", err)
	}
	if responded.ResponseTimeSeconds == nil || *responded.ResponseTimeSeconds != 7 {
		t.Fatalf("ResponseTimeSeconds = %v, want 7", responded.ResponseTimeSeconds)
	}
	if *responded.ResponseType != "Coming!" {
		t.Errorf("ResponseType = %q", *responded.ResponseType)
	}
	if !responded.ResponseTimestamp.Equal(t0.Add(7 * time.Second)) {
		t.Errorf("ResponseTimestamp = %v", responded.ResponseTimestamp)
	}

	stored, err := f.log.Get(ctx, "x", notified.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if stored.ResponseTimeSeconds == nil || *stored.ResponseTimeSeconds != 7 {
		t.Errorf("stored ResponseTimeSeconds = %v, want 7", stored.ResponseTimeSeconds)
	}
}

// 2回目の応答はINVALID_STATEとなり、最初の応答時間は変わらないこと
func TestLogResponse_OnlyOnce(t *testing.T) {
	f := newFixture(t, LogConfig{})
	ctx := context.Background()

	notified, _ := f.log.LogNotification(ctx, "x", "y", "ring")
	f.clock.Advance(3 * time.Second)
	if _, err := f.log.LogResponse(ctx, "y", notified.ID, "Wait a moment"); err != nil {
		t.Fatalf("first LogResponse returned error: %v", err)
	}

	f.clock.Advance(time.Minute)
	_, err := f.log.LogResponse(ctx, "y", notified.ID, "Cuddle")
	if !model.HasCode(err, model.ErrCodeInvalidState) {
		t.Fatalf("second LogResponse error = %v, want INVALID_STATE", err)
	}

	stored, _ := f.log.Get(ctx, "y", notified.ID)
	if *stored.ResponseTimeSeconds != 3 || *stored.ResponseType != "Wait a moment" {
		t.Errorf("first response was altered: %d %q", *stored.ResponseTimeSeconds, *stored.ResponseType)
	}
}

// 時計が巻き戻っても応答時間は負にならないこと
func TestLogResponse_ClockSkewClampsToZero(t *testing.T) {
	f := newFixture(t, LogConfig{})
	ctx := context.Background()

	notified, _ := f.log.LogNotification(ctx, "x", "y", "ring")
	f.clock.Advance(-5 * time.Second)
	got, err := f.log.LogResponse(ctx, "y", notified.ID, "Coming!")
	if err != nil {
		t.Fatalf("LogResponse returned error: %v", err)
	}
	if *got.ResponseTimeSeconds != 0 {
		t.Errorf("ResponseTimeSeconds = %d, want 0", *got.ResponseTimeSeconds)
	}
}

func TestLogResponse_Errors(t *testing.T) {
	f := newFixture(t, LogConfig{})
	ctx := context.Background()
	notified, _ := f.log.LogNotification(ctx, "x", "y", "ring")

	tests := []struct {
		name      string
		responder string
		id        string
		response  string
		wantCode  string
	}{
		{"unknown interaction", "y", "missing", "Coming!", model.ErrCodeNotFound},
		{"outsider", "z", notified.ID, "Coming!", model.ErrCodeNotFound},
		{"primary cannot respond", "x", notified.ID, "Coming!", model.ErrCodeInvalidInput},
		{"blank response", "y", notified.ID, "", model.ErrCodeInvalidInput},
		{"anonymous", "", notified.ID, "Coming!", model.ErrCodeUnauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.log.LogResponse(ctx, tt.responder, tt.id, tt.response)
			if !model.HasCode(err, tt.wantCode) {
				t.Errorf("error = %v, want %s", err, tt.wantCode)
			}
		})
	}
}

// 同時に応答しても記録されるのは1件のみであること
func TestLogResponse_ConcurrentRespondersOneWins(t *testing.T) {
	f := newFixture(t, LogConfig{})
	ctx := context.Background()
	notified, _ := f.log.LogNotification(ctx, "x", "y", "ring")

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.log.LogResponse(ctx, "y", notified.ID, "Coming!")
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else if !model.HasCode(err, model.ErrCodeInvalidState) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("successes = %d, want 1", successes)
	}
}

func TestGet_ParticipantsOnly(t *testing.T) {
	f := newFixture(t, LogConfig{})
	ctx := context.Background()
	notified, _ := f.log.LogNotification(ctx, "x", "y", "ring")

	for _, caller := range []string{"x", "y"} {
		if _, err := f.log.Get(ctx, caller, notified.ID); err != nil {
			t.Errorf("Get by %s returned error: %v", caller, err)
		}
	}
	if _, err := f.log.Get(ctx, "z", notified.ID); !model.HasCode(err, model.ErrCodeNotFound) {
		t.Errorf("Get by outsider error = %v, want NOT_FOUND", err)
	}
}

func TestListForPair(t *testing.T) {
	f := newFixture(t, LogConfig{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		got, err := f.log.LogNotification(ctx, "x", "y", "ring")
		if err != nil {
			t.Fatalf("LogNotification returned error: %v", err)
		}
		ids = append(ids, got.ID)
		f.clock.Advance(time.Second)
	}

	list, err := f.log.ListForPair(ctx, "y", 2)
	if err != nil {
		t.Fatalf("ListForPair returned error: %v", err)
	}
	if len(list) != 2 || list[0].ID != ids[2] || list[1].ID != ids[1] {
		t.Errorf("ListForPair did not return newest first")
	}

	empty, err := f.log.ListForPair(ctx, "z", 0)
	if err != nil {
		t.Fatalf("ListForPair(z) returned error: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("ListForPair(z) = %v, want empty slice", empty)
	}
}

// アウトボックス有効時、通知と応答それぞれで相手宛ての配信行が作られること
func TestOutbox_EnqueuesDeliveries(t *testing.T) {
	f := newFixture(t, LogConfig{OutboxEnabled: true})
	ctx := context.Background()

	notified, _ := f.log.LogNotification(ctx, "x", "y", "ring")
	f.clock.Advance(7 * time.Second)
	if _, err := f.log.LogResponse(ctx, "y", notified.ID, "Coming!"); err != nil {
		t.Fatalf("LogResponse returned error: %v", err)
	}

	due, err := f.store.Deliveries().ClaimDue(ctx, t0.Add(time.Hour), t0.Add(2*time.Hour), 10)
	if err != nil {
		t.Fatalf("ClaimDue returned error: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("deliveries = %d, want 2", len(due))
	}

	byEvent := map[model.DeliveryEvent]*model.Delivery{}
	for _, d := range due {
		byEvent[d.Event] = d
	}
	if d := byEvent[model.DeliveryEventNotified]; d == nil || d.RecipientID != "y" {
		t.Errorf("notified delivery = %+v, want recipient y", d)
	}
	responded := byEvent[model.DeliveryEventResponded]
	if responded == nil || responded.RecipientID != "x" {
		t.Fatalf("responded delivery = %+v, want recipient x", responded)
	}

	var payload map[string]any
	if err := json.Unmarshal(responded.Payload, &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if payload["response_time_seconds"] != float64(7) {
		t.Errorf("payload response_time_seconds = %v, want 7", payload["response_time_seconds"])
	}
}

// 配信行の書き込みに失敗した場合、通知も記録されないこと
func TestOutbox_FailureRollsBackNotification(t *testing.T) {
	f := newFixture(t, LogConfig{OutboxEnabled: true})
	ctx := context.Background()
	errDown := errors.New("outbox unavailable")
	f.store.FailOn("deliveries.Create", errDown)

	_, err := f.log.LogNotification(ctx, "x", "y", "ring")
	if !model.HasCode(err, model.ErrCodeStoreUnavailable) || !errors.Is(err, errDown) {
		t.Fatalf("error = %v, want STORE_UNAVAILABLE wrapping cause", err)
	}

	list, _ := f.log.ListForPair(ctx, "x", 10)
	if len(list) != 0 {
		t.Errorf("interaction persisted despite rollback: %d rows", len(list))
	}
}
