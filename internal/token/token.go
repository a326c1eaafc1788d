// Package token はステートレスなIdentityトークンの署名と検証を提供する。
//
// 検証はVerify関数ひとつに集約されており、I/Oを一切行わない。
// 通常のランタイム（Session Store）とエッジ（ルーティング層）の双方が同じ関数を使う。
// 失効の確認は行わない（Session Storeの責務）。
package token

import (
	"errors"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/hitoshi/connectauth/internal/model"
)

const (
	// DefaultLeeway は有効期限判定で許容する時計のずれ。
	DefaultLeeway = 30 * time.Second

	algorithm = jose.HS256
)

// Claims はトークンに含まれるIdentityのスナップショット。
// 発行時点の値であり、リクエストごとに更新されない。
type Claims struct {
	SubjectID   string `json:"subjectId"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName,omitempty"`
}

// ClaimsFor はIdentityからClaimsを生成する。
func ClaimsFor(identity *model.Identity) Claims {
	return Claims{
		SubjectID:   identity.ID,
		Email:       identity.Email,
		Role:        string(identity.Role),
		DisplayName: identity.DisplayName,
	}
}

// Issued は発行されたトークンと封筒部分の時刻。
type Issued struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Config はServiceの設定。
type Config struct {
	Key      []byte           // HMAC署名鍵。起動時に1回だけ読み込む
	Lifetime time.Duration    // 有効期間。0の場合はmodel.SessionLifetime
	Leeway   time.Duration    // 時計のずれの許容値。0の場合はDefaultLeeway
	Now      func() time.Time // テスト用に差し替え可能
}

// Service はトークンの発行と検証を行う。
type Service struct {
	key      []byte
	lifetime time.Duration
	leeway   time.Duration
	now      func() time.Time
}

// NewService はServiceを生成する。鍵が空の場合はエラーを返す。
func NewService(cfg Config) (*Service, error) {
	if len(cfg.Key) == 0 {
		return nil, errors.New("token signing key is required")
	}
	s := &Service{
		key:      cfg.Key,
		lifetime: cfg.Lifetime,
		leeway:   cfg.Leeway,
		now:      cfg.Now,
	}
	if s.lifetime <= 0 {
		s.lifetime = model.SessionLifetime
	}
	if s.leeway <= 0 {
		s.leeway = DefaultLeeway
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Issue はClaimsに発行時刻と固定の有効期限を付けて署名する。
func (s *Service) Issue(claims Claims) (*Issued, error) {
	return s.IssueAt(claims, s.now())
}

// IssueAt は指定時刻を発行時刻としてトークンを署名する。
func (s *Service) IssueAt(claims Claims, issuedAt time.Time) (*Issued, error) {
	if claims.SubjectID == "" {
		return nil, errors.New("token subject is required")
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: algorithm, Key: s.key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	issuedAt = issuedAt.UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(s.lifetime)
	std := jwt.Claims{
		ID:       uuid.NewString(),
		IssuedAt: jwt.NewNumericDate(issuedAt),
		Expiry:   jwt.NewNumericDate(expiresAt),
	}

	raw, err := jwt.Signed(signer).Claims(std).Claims(claims).Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &Issued{Token: raw, IssuedAt: issuedAt, ExpiresAt: expiresAt}, nil
}

// Verify は署名と有効期限を検証する。失効は確認しない。
func (s *Service) Verify(raw string) (*Claims, error) {
	return Verify(raw, s.key, s.now(), s.leeway)
}

// Key は検証用の鍵を返す。エッジ検証器の構築に使う。
func (s *Service) Key() []byte {
	return s.key
}

// Leeway は時計のずれの許容値を返す。
func (s *Service) Leeway() time.Duration {
	return s.leeway
}

// Verify は(raw, key)だけに依存する純粋な検証関数。
// 失敗はTOKEN_MALFORMED、TOKEN_BAD_SIGNATURE、TOKEN_EXPIREDのいずれか。
func Verify(raw string, key []byte, now time.Time, leeway time.Duration) (*Claims, error) {
	if raw == "" {
		return nil, model.NewAuthError(model.KindTokenMalformed, "verify token", errors.New("empty token"))
	}

	parsed, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{algorithm})
	if err != nil {
		return nil, model.NewAuthError(model.KindTokenMalformed, "verify token", err)
	}

	var (
		std    jwt.Claims
		claims Claims
	)
	if err := parsed.Claims(key, &std, &claims); err != nil {
		return nil, model.NewAuthError(model.KindTokenBadSignature, "verify token", err)
	}

	if std.Expiry == nil || claims.SubjectID == "" {
		return nil, model.NewAuthError(model.KindTokenMalformed, "verify token", errors.New("missing required claims"))
	}

	if err := std.ValidateWithLeeway(jwt.Expected{Time: now}, leeway); err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, model.NewAuthError(model.KindTokenExpired, "verify token", err)
		}
		return nil, model.NewAuthError(model.KindTokenMalformed, "verify token", err)
	}

	return &claims, nil
}
