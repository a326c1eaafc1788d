package credential

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/connectauth/internal/model"
)

func TestNewCodec_ClampsCost(t *testing.T) {
	if got := NewCodec(1).Cost(); got != bcrypt.MinCost {
		t.Errorf("Cost() = %d, want %d", got, bcrypt.MinCost)
	}
	if got := NewCodec(99).Cost(); got != bcrypt.MaxCost {
		t.Errorf("Cost() = %d, want %d", got, bcrypt.MaxCost)
	}
	if got := NewCodec(10).Cost(); got != 10 {
		t.Errorf("Cost() = %d, want 10", got)
	}
}

func TestCodec_HashAndCompare_Match(t *testing.T) {
	c := NewCodec(bcrypt.MinCost)

	hash, err := c.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("Hash returned error: %v", err)
	}
	if hash == "correct horse battery" {
		t.Fatal("hash must not equal the plaintext")
	}
	if !strings.HasPrefix(hash, "$2") {
		t.Errorf("hash = %q, want bcrypt format", hash)
	}

	ok, err := c.Compare("correct horse battery", hash)
	if err != nil {
		t.Fatalf("Compare returned error: %v", err)
	}
	if !ok {
		t.Error("Compare should return true for the same password")
	}
}

func TestCodec_Compare_Mismatch_ReturnsFalseWithoutError(t *testing.T) {
	c := NewCodec(bcrypt.MinCost)
	hash, _ := c.Hash("password-one")

	ok, err := c.Compare("password-two", hash)
	if err != nil {
		t.Fatalf("mismatch must not be an error: %v", err)
	}
	if ok {
		t.Error("Compare should return false for a different password")
	}
}

func TestCodec_Hash_IsSalted(t *testing.T) {
	c := NewCodec(bcrypt.MinCost)
	h1, _ := c.Hash("same-password")
	h2, _ := c.Hash("same-password")
	if h1 == h2 {
		t.Error("two hashes of the same password should differ (salt)")
	}
}

// 壊れたハッシュは「不一致」ではなくCREDENTIAL_ERRORとして扱う。
func TestCodec_Compare_MalformedHash_ReturnsCredentialError(t *testing.T) {
	c := NewCodec(bcrypt.MinCost)

	ok, err := c.Compare("whatever", "not-a-bcrypt-hash")
	if ok {
		t.Error("Compare should not report a match")
	}
	if !errors.Is(err, model.ErrCredential) {
		t.Errorf("err = %v, want CREDENTIAL_ERROR", err)
	}
}

func TestCodec_Hash_TooLongPassword_ReturnsCredentialError(t *testing.T) {
	c := NewCodec(bcrypt.MinCost)

	_, err := c.Hash(strings.Repeat("a", 73))
	if !errors.Is(err, model.ErrCredential) {
		t.Errorf("err = %v, want CREDENTIAL_ERROR", err)
	}
}
