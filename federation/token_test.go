package federation

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mkeska/toxodon/db"
	"github.com/mkeska/toxodon/domain"
)

// staticKeys serves one fixed key for every domain, no network involved.
type staticKeys struct {
	key *rsa.PublicKey
}

func (s staticKeys) PublicKeyOf(string) (*rsa.PublicKey, error) {
	return s.key, nil
}

func newVerifierFixture(t *testing.T) (*TokenVerifier, *rsa.PrivateKey) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	v := NewTokenVerifier(store, staticKeys{&key.PublicKey}, "local.test", time.Minute)
	return v, key
}

func signClaims(t *testing.T, key *rsa.PrivateKey, claims PullClaims) string {
	t.Helper()
	body, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshalling claims: %v", err)
	}
	digest := sha256.Sum256(body)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("signing claims: %v", err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(body) + "." + enc.EncodeToString(sig)
}

func validClaims() PullClaims {
	now := time.Now().UTC()
	return PullClaims{
		Issuer:   "remote.test",
		Audience: "local.test",
		Scope:    "federation:pull",
		Subject:  "https://remote.test/actors/eve",
		IssuedAt: now.Unix(),
		Expires:  now.Add(30 * time.Second).Unix(),
	}
}

func TestPullTokenRoundTrip(t *testing.T) {
	v, key := newVerifierFixture(t)

	token, err := SignPullToken(key, "remote.test", "local.test", "https://remote.test/actors/eve", 30*time.Second)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verifying: %v", err)
	}
	if claims.Issuer != "remote.test" || claims.Subject != "https://remote.test/actors/eve" {
		t.Errorf("claims mangled in transit: %+v", claims)
	}
	if claims.Expires-claims.IssuedAt != 30 {
		t.Errorf("lifetime = %ds, want 30", claims.Expires-claims.IssuedAt)
	}
}

func TestSignPullTokenClampsLifetime(t *testing.T) {
	_, key := newVerifierFixture(t)

	token, err := SignPullToken(key, "remote.test", "local.test", "sub", 10*time.Minute)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	body, _, err := splitToken(token)
	if err != nil {
		t.Fatalf("splitting: %v", err)
	}
	var claims PullClaims
	if err := json.Unmarshal(body, &claims); err != nil {
		t.Fatalf("unmarshalling: %v", err)
	}
	if claims.Expires-claims.IssuedAt > 60 {
		t.Errorf("requested 10m lifetime was not clamped: %ds", claims.Expires-claims.IssuedAt)
	}
}

func TestVerifyRejectsReplay(t *testing.T) {
	v, key := newVerifierFixture(t)

	token, err := SignPullToken(key, "remote.test", "local.test", "sub", 30*time.Second)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	if _, err := v.Verify(token); err != nil {
		t.Fatalf("first use failed: %v", err)
	}
	_, err = v.Verify(token)
	var replay *domain.ReplayError
	if !errors.As(err, &replay) {
		t.Fatalf("second use should be a replay error, got %v", err)
	}
	if replay.SigHash == "" {
		t.Error("replay error carries no signature hash")
	}
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	v, key := newVerifierFixture(t)

	c := validClaims()
	c.Audience = "other.test"
	_, err := v.Verify(signClaims(t, key, c))
	if domain.ErrorTag(err) != "authorization" {
		t.Errorf("foreign audience should fail authorization, got %v", err)
	}
}

func TestVerifyRejectsWrongScope(t *testing.T) {
	v, key := newVerifierFixture(t)

	c := validClaims()
	c.Scope = "federation:push"
	_, err := v.Verify(signClaims(t, key, c))
	if domain.ErrorTag(err) != "authorization" {
		t.Errorf("wrong scope should fail authorization, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v, key := newVerifierFixture(t)

	c := validClaims()
	c.IssuedAt = time.Now().UTC().Add(-2 * time.Minute).Unix()
	c.Expires = time.Now().UTC().Add(-time.Minute).Unix()
	_, err := v.Verify(signClaims(t, key, c))
	if domain.ErrorTag(err) != "authorization" {
		t.Errorf("expired token should fail authorization, got %v", err)
	}
}

func TestVerifyRejectsOverlongLifetime(t *testing.T) {
	v, key := newVerifierFixture(t)

	// A hand-crafted token claiming a 10 minute window is invalid even
	// while it is still inside that window.
	c := validClaims()
	c.Expires = time.Now().UTC().Add(10 * time.Minute).Unix()
	_, err := v.Verify(signClaims(t, key, c))
	if domain.ErrorTag(err) != "validation" {
		t.Errorf("overlong lifetime should fail validation, got %v", err)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	v, _ := newVerifierFixture(t)

	// Sign with a key the verifier does not trust.
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	_, err = v.Verify(signClaims(t, other, validClaims()))
	if domain.ErrorTag(err) != "authorization" {
		t.Errorf("foreign signature should fail authorization, got %v", err)
	}
}

func TestVerifyRejectsMalformedTokens(t *testing.T) {
	v, _ := newVerifierFixture(t)

	for _, token := range []string{
		"",
		"nodots",
		"a.b.c",
		"!!!.###",
		base64.RawURLEncoding.EncodeToString([]byte("not json")) + "." + base64.RawURLEncoding.EncodeToString([]byte("sig")),
	} {
		if _, err := v.Verify(token); domain.ErrorTag(err) != "validation" {
			t.Errorf("token %q should fail validation, got %v", token, err)
		}
	}
}
