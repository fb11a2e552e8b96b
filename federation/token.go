package federation

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mkeska/toxodon/db"
	"github.com/mkeska/toxodon/domain"
	"github.com/mkeska/toxodon/util"
)

const (
	pullScope   = "federation:pull"
	maxTokenTTL = 60 * time.Second
)

// PullClaims is the signed body of a pull token. The audience pins the
// token to one target server; the expiry is never more than 60 seconds
// out, replay protection covers the gap.
type PullClaims struct {
	Issuer   string `json:"iss"`
	Audience string `json:"aud"`
	Scope    string `json:"scope"`
	Subject  string `json:"sub"`
	IssuedAt int64  `json:"iat"`
	Expires  int64  `json:"exp"`
}

// SignPullToken mints a token authorizing subject's server (issuer) to
// pull from audience. Encoding is base64url(claims) "." base64url(sig)
// with an RSA-SHA256 signature over the claims bytes.
func SignPullToken(key *rsa.PrivateKey, issuer, audience, subject string, ttl time.Duration) (string, error) {
	if ttl <= 0 || ttl > maxTokenTTL {
		ttl = maxTokenTTL
	}
	now := time.Now().UTC()
	claims := PullClaims{
		Issuer:   issuer,
		Audience: audience,
		Scope:    pullScope,
		Subject:  subject,
		IssuedAt: now.Unix(),
		Expires:  now.Add(ttl).Unix(),
	}
	body, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(body)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing pull token: %w", err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(body) + "." + enc.EncodeToString(sig), nil
}

// KeyFetcher resolves a domain's published RSA public key.
type KeyFetcher interface {
	PublicKeyOf(domainName string) (*rsa.PublicKey, error)
}

// WellKnownKeys fetches peer keys from /.well-known/toxodon-key and caches
// them for the process lifetime. Key rotation on a peer requires a restart
// here; acceptable for now.
type WellKnownKeys struct {
	mu     sync.Mutex
	cache  map[string]*rsa.PublicKey
	client *http.Client
}

func NewWellKnownKeys() *WellKnownKeys {
	return &WellKnownKeys{
		cache:  map[string]*rsa.PublicKey{},
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (k *WellKnownKeys) PublicKeyOf(domainName string) (*rsa.PublicKey, error) {
	k.mu.Lock()
	cached, ok := k.cache[domainName]
	k.mu.Unlock()
	if ok {
		return cached, nil
	}

	url := fmt.Sprintf("https://%s/.well-known/toxodon-key", domainName)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", util.GetNameAndVersion())
	resp, err := k.client.Do(req)
	if err != nil {
		return nil, &domain.TransientDeliveryError{Domain: domainName, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key fetch from %s returned %d", domainName, resp.StatusCode)
	}
	pemBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	key, err := ParsePublicKey(string(pemBytes))
	if err != nil {
		return nil, fmt.Errorf("parsing key of %s: %w", domainName, err)
	}

	k.mu.Lock()
	k.cache[domainName] = key
	k.mu.Unlock()
	return key, nil
}

// TokenVerifier checks inbound pull tokens: signature against the issuer's
// published key, audience against the local domain, scope, expiry, and
// single use via the nonce table.
type TokenVerifier struct {
	store       *db.DB
	keys        KeyFetcher
	localDomain string
	nonceTTL    time.Duration
}

func NewTokenVerifier(store *db.DB, keys KeyFetcher, localDomain string, nonceTTL time.Duration) *TokenVerifier {
	return &TokenVerifier{store: store, keys: keys, localDomain: localDomain, nonceTTL: nonceTTL}
}

// Verify returns the claims of a valid, first-seen token. Every rejection
// is terminal for the request; a reused signature is a ReplayError.
func (v *TokenVerifier) Verify(token string) (*PullClaims, error) {
	body, sig, err := splitToken(token)
	if err != nil {
		return nil, err
	}

	var claims PullClaims
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, &domain.ValidationError{Field: "token", Reason: "malformed claims"}
	}
	if claims.Scope != pullScope {
		return nil, &domain.AuthorizationError{Reason: "token scope is not " + pullScope}
	}
	if claims.Audience != v.localDomain {
		return nil, &domain.AuthorizationError{
			Reason: fmt.Sprintf("token audience %q is not this server", claims.Audience),
		}
	}
	if claims.Issuer == "" || claims.Subject == "" {
		return nil, &domain.ValidationError{Field: "token", Reason: "missing issuer or subject"}
	}

	now := time.Now().UTC().Unix()
	if claims.Expires <= now {
		return nil, &domain.AuthorizationError{Reason: "token expired"}
	}
	if claims.Expires-claims.IssuedAt > int64(maxTokenTTL/time.Second) {
		return nil, &domain.ValidationError{Field: "token", Reason: "token lifetime exceeds 60s"}
	}

	key, err := v.keys.PublicKeyOf(claims.Issuer)
	if err != nil {
		return nil, fmt.Errorf("resolving key of issuer %s: %w", claims.Issuer, err)
	}
	digest := sha256.Sum256(body)
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig); err != nil {
		return nil, &domain.AuthorizationError{Reason: "token signature invalid"}
	}

	sigHash := util.Sha256Hex(string(sig))
	fresh, err := v.store.RecordNonce(sigHash, v.nonceTTL)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return nil, &domain.ReplayError{SigHash: sigHash}
	}
	return &claims, nil
}

func splitToken(token string) (body, sig []byte, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return nil, nil, &domain.ValidationError{Field: "token", Reason: "expected two dot-separated segments"}
	}
	enc := base64.RawURLEncoding
	body, err = enc.DecodeString(parts[0])
	if err != nil {
		return nil, nil, &domain.ValidationError{Field: "token", Reason: "claims segment is not base64url"}
	}
	sig, err = enc.DecodeString(parts[1])
	if err != nil {
		return nil, nil, &domain.ValidationError{Field: "token", Reason: "signature segment is not base64url"}
	}
	return body, sig, nil
}
