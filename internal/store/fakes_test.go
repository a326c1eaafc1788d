package store

import (
	"bytes"
	"context"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/connectauth/internal/credential"
	"github.com/hitoshi/connectauth/internal/model"
	"github.com/hitoshi/connectauth/internal/provider"
	"github.com/hitoshi/connectauth/internal/repository"
	"github.com/hitoshi/connectauth/internal/token"
)

var testKey = []byte("test-signing-key-0123456789-abcdefgh")

// fakeClock はテスト用の時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
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

func newTestTokens(t *testing.T, clock *fakeClock) *token.Service {
	t.Helper()
	svc, err := token.NewService(token.Config{Key: testKey, Now: clock.Now})
	if err != nil {
		t.Fatalf("token.NewService failed: %v", err)
	}
	return svc
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestCodec() *credential.Codec {
	return credential.NewCodec(bcrypt.MinCost)
}

// --- Localリポジトリのインメモリ実装 ---

type memIdentityRepo struct {
	mu         sync.Mutex
	identities map[string]*model.Identity
	hashes     map[string]string
	sessions   *memSessionRepo // Updateでの失効先
	updateErr  error
}

func newMemIdentityRepo() *memIdentityRepo {
	return &memIdentityRepo{
		identities: make(map[string]*model.Identity),
		hashes:     make(map[string]string),
	}
}

func (r *memIdentityRepo) FindByID(_ context.Context, id string) (*model.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.identities[id]; ok {
		cp := *i
		return &cp, nil
	}
	return nil, nil
}

func (r *memIdentityRepo) FindByEmailWithCredential(_ context.Context, email string) (*model.Identity, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, i := range r.identities {
		if i.Email == model.NormalizeEmail(email) {
			cp := *i
			return &cp, r.hashes[i.ID], nil
		}
	}
	return nil, "", nil
}

func (r *memIdentityRepo) CreateWithCredential(_ context.Context, identity *model.Identity, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, i := range r.identities {
		if i.Email == identity.Email {
			return model.NewAuthError(model.KindDuplicateEmail, "create identity", nil)
		}
	}
	cp := *identity
	r.identities[identity.ID] = &cp
	r.hashes[identity.ID] = hash
	return nil
}

// Update はupdateErrが設定されている場合、何も変更せずにそのエラーを返す。
func (r *memIdentityRepo) Update(ctx context.Context, identity *model.Identity, change repository.IdentityChange) (int64, error) {
	r.mu.Lock()
	if r.updateErr != nil {
		r.mu.Unlock()
		return 0, r.updateErr
	}
	if _, ok := r.identities[identity.ID]; !ok {
		r.mu.Unlock()
		return 0, model.NewAuthError(model.KindIdentityNotFound, "update identity", nil)
	}
	cp := *identity
	r.identities[identity.ID] = &cp
	if change.PasswordHash != "" {
		r.hashes[identity.ID] = change.PasswordHash
	}
	sessions := r.sessions
	r.mu.Unlock()

	if !change.RevokeSessions || sessions == nil {
		return 0, nil
	}
	return sessions.DeactivateByIdentityID(ctx, identity.ID, change.At)
}

func (r *memIdentityRepo) DeleteByID(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.identities[id]; !ok {
		return false, nil
	}
	delete(r.identities, id)
	delete(r.hashes, id)
	return true, nil
}

func (r *memIdentityRepo) setLastLogin(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.identities[id]; ok {
		t := at
		i.LastLoginAt = &t
	}
}

type memSessionRepo struct {
	mu         sync.Mutex
	sessions   map[string]*model.Session
	identities *memIdentityRepo
	writes     int
	createErr  error
}

func newMemSessionRepo(identities *memIdentityRepo) *memSessionRepo {
	r := &memSessionRepo{sessions: make(map[string]*model.Session), identities: identities}
	if identities != nil {
		identities.sessions = r
	}
	return r
}

func (r *memSessionRepo) CreateForSignIn(_ context.Context, s *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	r.writes++
	cp := *s
	r.sessions[s.Token] = &cp
	if r.identities != nil {
		r.identities.setLastLogin(s.IdentityID, s.CreatedAt)
	}
	return nil
}

func (r *memSessionRepo) FindByToken(_ context.Context, tok string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[tok]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (r *memSessionRepo) DeactivateByToken(_ context.Context, tok string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[tok]
	if !ok || !s.IsActive {
		return false, nil
	}
	r.writes++
	s.IsActive = false
	s.UpdatedAt = now
	return true, nil
}

func (r *memSessionRepo) DeactivateByIdentityID(_ context.Context, id string, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.sessions {
		if s.IdentityID == id && s.IsActive {
			s.IsActive = false
			s.UpdatedAt = now
			n++
		}
	}
	r.writes += int(n)
	return n, nil
}

func (r *memSessionRepo) DeactivateExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.sessions {
		if s.IsActive && s.ExpiresAt.Before(now) {
			s.IsActive = false
			s.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (r *memSessionRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *memSessionRepo) get(tok string) *model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[tok]
}

// --- コンパニオンスキーマのインメモリ実装 ---

// memCompanionRepo はabsent=trueの場合、すべての操作でスキーマ欠如を返す。
type memCompanionRepo struct {
	mu       sync.Mutex
	absent   bool
	profiles map[string]*model.Identity
	sessions map[string]*model.Session
	calls    []string
}

func newMemCompanionRepo() *memCompanionRepo {
	return &memCompanionRepo{
		profiles: make(map[string]*model.Identity),
		sessions: make(map[string]*model.Session),
	}
}

func (r *memCompanionRepo) enter(op string) error {
	r.calls = append(r.calls, op)
	if r.absent {
		return model.NewAuthError(model.KindSchemaAbsent, op, nil)
	}
	return nil
}

func (r *memCompanionRepo) FindProfileByID(_ context.Context, id string) (*model.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("FindProfileByID"); err != nil {
		return nil, err
	}
	if p, ok := r.profiles[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (r *memCompanionRepo) FindProfileByEmail(_ context.Context, email string) (*model.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("FindProfileByEmail"); err != nil {
		return nil, err
	}
	for _, p := range r.profiles {
		if p.Email == model.NormalizeEmail(email) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memCompanionRepo) UpsertProfile(_ context.Context, identity *model.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("UpsertProfile"); err != nil {
		return err
	}
	cp := *identity
	r.profiles[identity.ID] = &cp
	return nil
}

func (r *memCompanionRepo) DeleteProfile(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("DeleteProfile"); err != nil {
		return err
	}
	delete(r.profiles, id)
	return nil
}

func (r *memCompanionRepo) CreateSession(_ context.Context, s *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("CreateSession"); err != nil {
		return err
	}
	cp := *s
	r.sessions[s.Token] = &cp
	if p, ok := r.profiles[s.IdentityID]; ok {
		t := s.CreatedAt
		p.LastLoginAt = &t
	}
	return nil
}

func (r *memCompanionRepo) FindSessionByToken(_ context.Context, tok string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("FindSessionByToken"); err != nil {
		return nil, err
	}
	if s, ok := r.sessions[tok]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (r *memCompanionRepo) DeactivateSessionByToken(_ context.Context, tok string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("DeactivateSessionByToken"); err != nil {
		return false, err
	}
	s, ok := r.sessions[tok]
	if !ok || !s.IsActive {
		return false, nil
	}
	s.IsActive = false
	s.UpdatedAt = now
	return true, nil
}

func (r *memCompanionRepo) DeactivateSessionsByIdentityID(_ context.Context, id string, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("DeactivateSessionsByIdentityID"); err != nil {
		return 0, err
	}
	var n int64
	for _, s := range r.sessions {
		if s.IdentityID == id && s.IsActive {
			s.IsActive = false
			s.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (r *memCompanionRepo) DeleteSessionsByIdentityID(_ context.Context, id string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("DeleteSessionsByIdentityID"); err != nil {
		return 0, err
	}
	var n int64
	for tok, s := range r.sessions {
		if s.IdentityID == id {
			delete(r.sessions, tok)
			n++
		}
	}
	return n, nil
}

func (r *memCompanionRepo) DeactivateExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter("DeactivateExpiredSessions"); err != nil {
		return 0, err
	}
	var n int64
	for _, s := range r.sessions {
		if s.IsActive && s.ExpiresAt.Before(now) {
			s.IsActive = false
			n++
		}
	}
	return n, nil
}

// --- 認証プロバイダのインメモリ実装 ---

type fakeProvider struct {
	mu        sync.Mutex
	users     map[string]*provider.User
	passwords map[string]string
	calls     map[string]int
	err       error // 設定するとすべての呼び出しがこのエラーを返す
	now       func() time.Time
}

func newFakeProvider(now func() time.Time) *fakeProvider {
	return &fakeProvider{
		users:     make(map[string]*provider.User),
		passwords: make(map[string]string),
		calls:     make(map[string]int),
		now:       now,
	}
}

func (p *fakeProvider) enter(op string) error {
	p.calls[op]++
	return p.err
}

func (p *fakeProvider) CreateUser(_ context.Context, in model.NewIdentity) (*provider.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("CreateUser"); err != nil {
		return nil, err
	}
	for _, u := range p.users {
		if u.Email == in.Email {
			return nil, model.NewAuthError(model.KindDuplicateEmail, "create user", nil)
		}
	}
	now := p.now()
	u := &provider.User{
		ID:           uuid.NewString(),
		Email:        in.Email,
		UserMetadata: map[string]any{"display_name": in.DisplayName},
		AppMetadata:  map[string]any{"role": string(in.Role)},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	p.users[u.ID] = u
	p.passwords[u.ID] = in.Password
	cp := *u
	return &cp, nil
}

func (p *fakeProvider) SignInWithPassword(_ context.Context, email, password string) (*provider.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("SignInWithPassword"); err != nil {
		return nil, err
	}
	for id, u := range p.users {
		if u.Email == model.NormalizeEmail(email) && p.passwords[id] == password {
			cp := *u
			return &cp, nil
		}
	}
	return nil, model.NewAuthError(model.KindInvalidCredentials, "sign in", nil)
}

func (p *fakeProvider) GetUser(_ context.Context, id string) (*provider.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("GetUser"); err != nil {
		return nil, err
	}
	if u, ok := p.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (p *fakeProvider) UpdateUser(_ context.Context, id string, update provider.UserUpdate) (*provider.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("UpdateUser"); err != nil {
		return nil, err
	}
	u, ok := p.users[id]
	if !ok {
		return nil, model.NewAuthError(model.KindIdentityNotFound, "update user", nil)
	}
	if update.Email != nil {
		u.Email = *update.Email
	}
	if update.Password != nil {
		p.passwords[id] = *update.Password
	}
	for k, v := range update.UserMetadata {
		u.UserMetadata[k] = v
	}
	for k, v := range update.AppMetadata {
		u.AppMetadata[k] = v
	}
	switch update.BanDuration {
	case "":
	case "none":
		u.BannedUntil = nil
	default:
		until := p.now().Add(100 * 365 * 24 * time.Hour)
		u.BannedUntil = &until
	}
	u.UpdatedAt = p.now()
	cp := *u
	return &cp, nil
}

func (p *fakeProvider) DeleteUser(_ context.Context, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("DeleteUser"); err != nil {
		return false, err
	}
	if _, ok := p.users[id]; !ok {
		return false, nil
	}
	delete(p.users, id)
	return true, nil
}

func (p *fakeProvider) callCount(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// sortedCalls はテストの失敗メッセージ用に呼び出し履歴を返す。
func sortedCalls(calls []string) []string {
	out := append([]string(nil), calls...)
	sort.Strings(out)
	return out
}

// compile-time interface check
var (
	_ repository.IdentityRepository  = (*memIdentityRepo)(nil)
	_ repository.SessionRepository   = (*memSessionRepo)(nil)
	_ repository.CompanionRepository = (*memCompanionRepo)(nil)
	_ ProviderAPI                    = (*fakeProvider)(nil)
	_ ProviderAPI                    = (*provider.Client)(nil)
)
