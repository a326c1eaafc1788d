// Package credential はパスワードの一方向ハッシュ化と照合を提供する。
package credential

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/connectauth/internal/model"
)

// DefaultCost はbcryptのデフォルトのワークファクター。
const DefaultCost = bcrypt.DefaultCost

// Codec はbcryptによるパスワードハッシュのエンコーダ。
type Codec struct {
	cost int
}

// NewCodec はCodecを生成する。costはbcryptの許容範囲に丸められる。
func NewCodec(cost int) *Codec {
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &Codec{cost: cost}
}

// Cost は設定されたワークファクターを返す。
func (c *Codec) Cost() int {
	return c.cost
}

// Hash はパスワードをハッシュ化する。
func (c *Codec) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), c.cost)
	if err != nil {
		return "", model.NewAuthError(model.KindCredential, "hash password", err)
	}
	return string(hash), nil
}

// Compare はパスワードとハッシュを定数時間で照合する。
// 不一致は(false, nil)。ハッシュが壊れている場合は「不一致」として扱わず、
// CREDENTIAL_ERRORを返す。
func (c *Codec) Compare(password, hash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, model.NewAuthError(model.KindCredential, "compare password", fmt.Errorf("malformed password hash: %w", err))
}
