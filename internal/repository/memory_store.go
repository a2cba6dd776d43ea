package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/puppybell/internal/model"
)

// MemoryStore はプロセス内メモリに全データを保持するStore実装。
// 開発用のSTORE_DRIVER=memoryとテストで使用する。
//
// WithinTxは状態の複製に対して書き込みを行い、fnが成功した場合のみ差し替える。
// トランザクション中はストア全体がロックされるため、WithinTxは再入できない。
type MemoryStore struct {
	mu       sync.Mutex
	state    *memState
	sessions map[string]model.Session
	now      func() time.Time

	failMu   sync.Mutex
	failures map[string]error
}

type memState struct {
	identities   map[string]model.Identity
	requests     map[string]model.BondRequest
	interactions map[string]model.Interaction
	deliveries   map[string]model.Delivery
}

func newMemState() *memState {
	return &memState{
		identities:   make(map[string]model.Identity),
		requests:     make(map[string]model.BondRequest),
		interactions: make(map[string]model.Interaction),
		deliveries:   make(map[string]model.Delivery),
	}
}

// clone はマップを複製する。値のポインタフィールドは書き換えずに差し替えるため浅いコピーで足りる。
func (st *memState) clone() *memState {
	c := newMemState()
	for k, v := range st.identities {
		c.identities[k] = v
	}
	for k, v := range st.requests {
		c.requests[k] = v
	}
	for k, v := range st.interactions {
		c.interactions[k] = v
	}
	for k, v := range st.deliveries {
		c.deliveries[k] = v
	}
	return c
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state:    newMemState(),
		sessions: make(map[string]model.Session),
		now:      time.Now,
		failures: make(map[string]error),
	}
}

// FailOn は指定操作が以降errを返すように設定する。errがnilの場合は解除する。
// 操作名は "identities.SetBondedUserID" のように "<リポジトリ>.<メソッド>" で指定する。
// "tx.begin" はWithinTxの開始、"ping" はPingContextに対応する。
func (s *MemoryStore) FailOn(op string, err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// ClearFailures は全ての障害設定を解除する。
func (s *MemoryStore) ClearFailures() {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.failures = make(map[string]error)
}

func (s *MemoryStore) failure(op string) error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failures[op]
}

// Identities はユーザーリポジトリを返す。
func (s *MemoryStore) Identities() IdentityRepository {
	return &memIdentityRepo{memView{s: s}}
}

// BondRequests はペアリクエストリポジトリを返す。
func (s *MemoryStore) BondRequests() BondRequestRepository {
	return &memBondRequestRepo{memView{s: s}}
}

// Interactions はインタラクションリポジトリを返す。
func (s *MemoryStore) Interactions() InteractionRepository {
	return &memInteractionRepo{memView{s: s}}
}

// Deliveries は配信アウトボックスリポジトリを返す。
func (s *MemoryStore) Deliveries() DeliveryRepository {
	return &memDeliveryRepo{memView{s: s}}
}

// Sessions はセッションリポジトリを返す。
func (s *MemoryStore) Sessions() SessionRepository {
	return &memSessionRepo{s: s}
}

// PingContext は常に成功する。"ping" に障害が設定されている場合はそのエラーを返す。
func (s *MemoryStore) PingContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.failure("ping")
}

// WithinTx はfnを状態の複製に対して実行し、成功した場合のみ反映する。
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failure("tx.begin"); err != nil {
		return err
	}

	staged := s.state.clone()
	if err := fn(&memTx{s: s, st: staged}); err != nil {
		return err
	}
	s.state = staged
	return nil
}

type memTx struct {
	s  *MemoryStore
	st *memState
}

func (t *memTx) Identities() IdentityRepository {
	return &memIdentityRepo{memView{s: t.s, tx: t.st}}
}

func (t *memTx) BondRequests() BondRequestRepository {
	return &memBondRequestRepo{memView{s: t.s, tx: t.st}}
}

func (t *memTx) Interactions() InteractionRepository {
	return &memInteractionRepo{memView{s: t.s, tx: t.st}}
}

func (t *memTx) Deliveries() DeliveryRepository {
	return &memDeliveryRepo{memView{s: t.s, tx: t.st}}
}

// memView はトランザクション内ではその複製を、外では確定済み状態をロックして参照する。
type memView struct {
	s  *MemoryStore
	tx *memState
}

func (v memView) run(ctx context.Context, op string, fn func(st *memState) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := v.s.failure(op); err != nil {
		return err
	}
	if v.tx != nil {
		return fn(v.tx)
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	return fn(v.s.state)
}

type memIdentityRepo struct{ memView }

func (r *memIdentityRepo) FindByID(ctx context.Context, id string) (*model.Identity, error) {
	var found *model.Identity
	err := r.run(ctx, "identities.FindByID", func(st *memState) error {
		if v, ok := st.identities[id]; ok {
			found = &v
		}
		return nil
	})
	return found, err
}

func (r *memIdentityRepo) FindByIDForUpdate(ctx context.Context, id string) (*model.Identity, error) {
	var found *model.Identity
	err := r.run(ctx, "identities.FindByIDForUpdate", func(st *memState) error {
		if v, ok := st.identities[id]; ok {
			found = &v
		}
		return nil
	})
	return found, err
}

func (r *memIdentityRepo) ListByEmail(ctx context.Context, email string) ([]*model.Identity, error) {
	var out []*model.Identity
	err := r.run(ctx, "identities.ListByEmail", func(st *memState) error {
		for _, v := range st.identities {
			if v.Email == email {
				out = append(out, &v)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, err
}

// Create はユーザーを登録する。メールアドレスの一意性は検査しない。
func (r *memIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	return r.run(ctx, "identities.Create", func(st *memState) error {
		st.identities[identity.ID] = *identity
		return nil
	})
}

func (r *memIdentityRepo) SetRole(ctx context.Context, id string, role model.Role, at time.Time) (bool, error) {
	var updated bool
	err := r.run(ctx, "identities.SetRole", func(st *memState) error {
		v, ok := st.identities[id]
		if !ok || v.Role.IsSet() {
			return nil
		}
		v.Role = role
		v.UpdatedAt = at
		st.identities[id] = v
		updated = true
		return nil
	})
	return updated, err
}

func (r *memIdentityRepo) SetBondedUserID(ctx context.Context, id, partnerID string, at time.Time) (bool, error) {
	var updated bool
	err := r.run(ctx, "identities.SetBondedUserID", func(st *memState) error {
		v, ok := st.identities[id]
		if !ok || (v.BondedUserID != "" && v.BondedUserID != partnerID) {
			return nil
		}
		v.BondedUserID = partnerID
		v.UpdatedAt = at
		st.identities[id] = v
		updated = true
		return nil
	})
	return updated, err
}

type memBondRequestRepo struct{ memView }

func (r *memBondRequestRepo) FindByID(ctx context.Context, id string) (*model.BondRequest, error) {
	var found *model.BondRequest
	err := r.run(ctx, "bondRequests.FindByID", func(st *memState) error {
		if v, ok := st.requests[id]; ok {
			found = &v
		}
		return nil
	})
	return found, err
}

func (r *memBondRequestRepo) FindByIDForUpdate(ctx context.Context, id string) (*model.BondRequest, error) {
	var found *model.BondRequest
	err := r.run(ctx, "bondRequests.FindByIDForUpdate", func(st *memState) error {
		if v, ok := st.requests[id]; ok {
			found = &v
		}
		return nil
	})
	return found, err
}

func (r *memBondRequestRepo) Create(ctx context.Context, req *model.BondRequest) error {
	return r.run(ctx, "bondRequests.Create", func(st *memState) error {
		st.requests[req.ID] = *req
		return nil
	})
}

func (r *memBondRequestRepo) ListBySenderID(ctx context.Context, senderID string) ([]*model.BondRequest, error) {
	return r.list(ctx, "bondRequests.ListBySenderID", func(v model.BondRequest) bool {
		return v.SenderID == senderID
	})
}

func (r *memBondRequestRepo) ListByReceiverEmail(ctx context.Context, email string) ([]*model.BondRequest, error) {
	return r.list(ctx, "bondRequests.ListByReceiverEmail", func(v model.BondRequest) bool {
		return v.ReceiverEmail == email
	})
}

func (r *memBondRequestRepo) list(ctx context.Context, op string, match func(model.BondRequest) bool) ([]*model.BondRequest, error) {
	var out []*model.BondRequest
	err := r.run(ctx, op, func(st *memState) error {
		for _, v := range st.requests {
			if match(v) {
				out = append(out, &v)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, err
}

func (r *memBondRequestRepo) UpdateStatus(ctx context.Context, id string, from, to model.BondStatus, at time.Time) (bool, error) {
	var updated bool
	err := r.run(ctx, "bondRequests.UpdateStatus", func(st *memState) error {
		v, ok := st.requests[id]
		if !ok || v.Status != from {
			return nil
		}
		v.Status = to
		if to == model.BondStatusAccepted {
			acceptedAt := at
			v.AcceptedAt = &acceptedAt
		}
		st.requests[id] = v
		updated = true
		return nil
	})
	return updated, err
}

type memInteractionRepo struct{ memView }

func (r *memInteractionRepo) FindByID(ctx context.Context, id string) (*model.Interaction, error) {
	var found *model.Interaction
	err := r.run(ctx, "interactions.FindByID", func(st *memState) error {
		if v, ok := st.interactions[id]; ok {
			found = &v
		}
		return nil
	})
	return found, err
}

func (r *memInteractionRepo) Create(ctx context.Context, interaction *model.Interaction) error {
	return r.run(ctx, "interactions.Create", func(st *memState) error {
		v := *interaction
		v.ResponseType = nil
		v.ResponseTimestamp = nil
		v.ResponseTimeSeconds = nil
		st.interactions[v.ID] = v
		return nil
	})
}

func (r *memInteractionRepo) RecordResponse(ctx context.Context, id, responseType string, at time.Time, seconds int64) (bool, error) {
	var updated bool
	err := r.run(ctx, "interactions.RecordResponse", func(st *memState) error {
		v, ok := st.interactions[id]
		if !ok || v.HasResponse() {
			return nil
		}
		rt, ts, secs := responseType, at, seconds
		v.ResponseType = &rt
		v.ResponseTimestamp = &ts
		v.ResponseTimeSeconds = &secs
		st.interactions[id] = v
		updated = true
		return nil
	})
	return updated, err
}

func (r *memInteractionRepo) ListByPair(ctx context.Context, userA, userB string, limit int) ([]*model.Interaction, error) {
	var out []*model.Interaction
	err := r.run(ctx, "interactions.ListByPair", func(st *memState) error {
		for _, v := range st.interactions {
			if (v.PrimaryID == userA && v.SecondaryID == userB) || (v.PrimaryID == userB && v.SecondaryID == userA) {
				out = append(out, &v)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r *memInteractionRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := r.run(ctx, "interactions.DeleteOlderThan", func(st *memState) error {
		for id, v := range st.interactions {
			if v.Timestamp.Before(cutoff) {
				delete(st.interactions, id)
				n++
				for did, d := range st.deliveries {
					if d.InteractionID == id {
						delete(st.deliveries, did)
					}
				}
			}
		}
		return nil
	})
	return n, err
}

type memDeliveryRepo struct{ memView }

func (r *memDeliveryRepo) Create(ctx context.Context, d *model.Delivery) error {
	return r.run(ctx, "deliveries.Create", func(st *memState) error {
		st.deliveries[d.ID] = *d
		return nil
	})
}

func (r *memDeliveryRepo) ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*model.Delivery, error) {
	var out []*model.Delivery
	err := r.run(ctx, "deliveries.ClaimDue", func(st *memState) error {
		var due []model.Delivery
		for _, v := range st.deliveries {
			if v.Status == model.DeliveryStatusPending && !v.NextAttemptAt.After(now) {
				due = append(due, v)
			}
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
				return due[i].ID < due[j].ID
			}
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		})
		if limit > 0 && len(due) > limit {
			due = due[:limit]
		}
		for _, v := range due {
			v.NextAttemptAt = leaseUntil
			st.deliveries[v.ID] = v
			claimed := v
			out = append(out, &claimed)
		}
		return nil
	})
	return out, err
}

func (r *memDeliveryRepo) Update(ctx context.Context, d *model.Delivery) error {
	return r.run(ctx, "deliveries.Update", func(st *memState) error {
		v, ok := st.deliveries[d.ID]
		if !ok {
			return nil
		}
		v.Status = d.Status
		v.Attempts = d.Attempts
		v.NextAttemptAt = d.NextAttemptAt
		v.LastError = d.LastError
		v.UpdatedAt = d.UpdatedAt
		st.deliveries[d.ID] = v
		return nil
	})
}

func (r *memDeliveryRepo) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := r.run(ctx, "deliveries.DeleteFinishedBefore", func(st *memState) error {
		for id, v := range st.deliveries {
			if v.Status != model.DeliveryStatusPending && v.UpdatedAt.Before(cutoff) {
				delete(st.deliveries, id)
				n++
			}
		}
		return nil
	})
	return n, err
}

// memSessionRepo はトランザクション外でのみ使用される。
type memSessionRepo struct {
	s *MemoryStore
}

func (r *memSessionRepo) Create(ctx context.Context, session *model.Session) error {
	if err := r.s.failure("sessions.Create"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.sessions[session.ID] = *session
	return nil
}

func (r *memSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if err := r.s.failure("sessions.FindByID"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	v, ok := r.s.sessions[id]
	if !ok || !v.ExpiresAt.After(r.s.now()) {
		return nil, nil
	}
	return &v, nil
}

func (r *memSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if err := r.s.failure("sessions.DeleteByID"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.sessions, id)
	return nil
}

func (r *memSessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := r.s.failure("sessions.DeleteExpired"); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, v := range r.s.sessions {
		if !v.ExpiresAt.After(now) {
			delete(r.s.sessions, id)
			n++
		}
	}
	return n, nil
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
var _ Tx = (*memTx)(nil)
