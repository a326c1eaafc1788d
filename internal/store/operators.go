package store

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/hitoshi/connectauth/internal/credential"
	"github.com/hitoshi/connectauth/internal/model"
)

// OperatorList は起動時に注入される運用/テスト用アカウントの許可リスト。
// DBに依存せずにサインインでき、セッション行は作成しない。
type OperatorList struct {
	byEmail   map[string]model.OperatorAccount
	bySubject map[string]model.OperatorAccount
}

// NewOperatorList は許可リストを生成する。
// メールアドレス・サブジェクトIDの重複や、パスワード未設定のアカウントはエラーになる。
func NewOperatorList(accounts []model.OperatorAccount) (*OperatorList, error) {
	l := &OperatorList{
		byEmail:   make(map[string]model.OperatorAccount, len(accounts)),
		bySubject: make(map[string]model.OperatorAccount, len(accounts)),
	}
	for i, a := range accounts {
		a.Email = model.NormalizeEmail(a.Email)
		if a.Email == "" || a.SubjectID == "" {
			return nil, fmt.Errorf("operator account #%d: email and subject_id are required", i)
		}
		if a.Password == "" && a.PasswordHash == "" {
			return nil, fmt.Errorf("operator account %s: password or password_hash is required", a.Email)
		}
		if a.Role == "" {
			a.Role = model.RoleAdmin
		}
		if !a.Role.Valid() {
			return nil, fmt.Errorf("operator account %s: invalid role %q", a.Email, a.Role)
		}
		if _, dup := l.byEmail[a.Email]; dup {
			return nil, fmt.Errorf("operator account %s: duplicate email", a.Email)
		}
		if _, dup := l.bySubject[a.SubjectID]; dup {
			return nil, fmt.Errorf("operator account %s: duplicate subject_id", a.Email)
		}
		l.byEmail[a.Email] = a
		l.bySubject[a.SubjectID] = a
	}
	return l, nil
}

// Len は登録されているアカウント数を返す。
func (l *OperatorList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.byEmail)
}

// Has はメールアドレスが許可リストに含まれるかどうかを返す。
func (l *OperatorList) Has(email string) bool {
	if l == nil {
		return false
	}
	_, ok := l.byEmail[model.NormalizeEmail(email)]
	return ok
}

// Match はメールアドレスとパスワードの完全一致を確認する。
// password_hashが設定されている場合はbcryptで照合し、それ以外は定数時間で平文比較する。
func (l *OperatorList) Match(email, password string, codec *credential.Codec) (*model.OperatorAccount, bool, error) {
	if l == nil {
		return nil, false, nil
	}
	a, ok := l.byEmail[model.NormalizeEmail(email)]
	if !ok {
		return nil, false, nil
	}

	if a.PasswordHash != "" {
		if codec == nil {
			return nil, false, errors.New("operator password hash requires a credential codec")
		}
		matched, err := codec.Compare(password, a.PasswordHash)
		if err != nil || !matched {
			return nil, false, err
		}
		return &a, true, nil
	}

	if subtle.ConstantTimeCompare([]byte(password), []byte(a.Password)) != 1 {
		return nil, false, nil
	}
	return &a, true, nil
}

// BySubject はトークンのサブジェクトIDとメールアドレスに一致するアカウントを返す。
func (l *OperatorList) BySubject(subjectID, email string) (*model.OperatorAccount, bool) {
	if l == nil {
		return nil, false
	}
	a, ok := l.bySubject[subjectID]
	if !ok || a.Email != model.NormalizeEmail(email) {
		return nil, false
	}
	return &a, true
}
