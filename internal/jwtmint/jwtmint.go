// Package jwtmint implements the JWT Minter (spec §4.E): it fetches xsrf
// material from Upstream and mints the short-lived HS256 JWT used as
// `authorization: Bearer` on every other Upstream call.
//
// Grounded on original_source/app/services/jwt_service.py (retry/error-
// mapping behavior: 401/429/other status handling, XSSI-prefix stripping,
// up to two retries with a full client reset on SSL/closed-connection
// errors) and original_source/app/utils/crypto.py (kq.go, the exact mint
// algorithm).
package jwtmint

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/genbridge/gateway/internal/domain"
	apperrors "github.com/genbridge/gateway/internal/pkg/errors"
	"github.com/genbridge/gateway/internal/pkg/httpclient"
	"github.com/genbridge/gateway/internal/util/logredact"
)

const (
	getOxsrfURL = "https://business.gemini.google/auth/getoxsrf"
	issuer      = "https://business.gemini.google"
	audience    = "https://biz-discoveryengine.googleapis.com"
	jwtTTL      = 300 * time.Second

	minJWTRemaining = 30 * time.Second
	maxRetries      = 2
)

// InvalidationNotifier lets the Minter short-circuit when the Lifecycle
// Manager already knows this account's credentials are bad (spec §4.E step
// 2), and tell it to enqueue a refresh on a fresh 401.
type InvalidationNotifier interface {
	IsKnownInvalid(accountIndex int) bool
	MarkInvalid(accountIndex int)
	QueueRefresh(accountIndex int)
}

// Minter mints and caches Upstream JWTs, one in-flight mint per account at a
// time (spec §8: "at most one GET /auth/getoxsrf is issued for a within a
// JWT's validity window").
type Minter struct {
	baseTransport *http.Transport
	clientTimeout time.Duration

	httpMu     sync.Mutex
	httpClient *http.Client

	invalid InvalidationNotifier

	mu       sync.Mutex
	inFlight map[int]*sync.Mutex // per-account lock, lazily created
}

func New(proxyTransport *http.Transport, invalid InvalidationNotifier) *Minter {
	if proxyTransport == nil {
		proxyTransport = &http.Transport{}
	}
	const timeout = 30 * time.Second
	return &Minter{
		baseTransport: proxyTransport,
		clientTimeout: timeout,
		httpClient:    httpclient.NewClient(proxyTransport.Clone(), timeout),
		invalid:       invalid,
		inFlight:      make(map[int]*sync.Mutex),
	}
}

// resetHTTPClient rebuilds the shared *http.Client from a freshly Cloned
// transport (spec §4.E / spec.md:126: "retry up to twice with full HTTP-
// client re-creation" on TLS/connection-reset errors; mirrors
// jwt_service.py's `reset_http_client()` + `get_http_client()`). Transport's
// Clone keeps the proxy/TLS config but drops the pooled connections and TLS
// session cache a poisoned attempt left behind.
func (m *Minter) resetHTTPClient() *http.Client {
	m.httpMu.Lock()
	defer m.httpMu.Unlock()
	m.httpClient = httpclient.NewClient(m.baseTransport.Clone(), m.clientTimeout)
	return m.httpClient
}

func (m *Minter) client() *http.Client {
	m.httpMu.Lock()
	defer m.httpMu.Unlock()
	return m.httpClient
}

func (m *Minter) accountLock(index int) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.inFlight[index]
	if !ok {
		l = &sync.Mutex{}
		m.inFlight[index] = l
	}
	return l
}

// Mint is spec §4.E `ensure_jwt`: it returns acc's cached JWT if it still has
// at least minJWTRemaining left, otherwise fetches and caches a fresh one
// directly on acc.Runtime.
func (m *Minter) Mint(ctx context.Context, acc *domain.Account, now time.Time) (string, error) {
	lock := m.accountLock(acc.Index)
	lock.Lock()
	defer lock.Unlock()

	if acc.IsJWTValid(now, minJWTRemaining) {
		return acc.Runtime.JWT, nil
	}

	if m.invalid != nil && m.invalid.IsKnownInvalid(acc.Index) {
		m.invalid.QueueRefresh(acc.Index)
		return "", apperrors.Auth("credentials known invalid, refreshing in background", nil)
	}

	token, expiresAt, err := m.fetchNewJWT(ctx, acc)
	if err != nil {
		return "", err
	}
	acc.Runtime.JWT = token
	acc.Runtime.JWTExpiresAt = expiresAt
	return token, nil
}

type getOxsrfResponse struct {
	KeyID     string `json:"keyId"`
	XsrfToken string `json:"xsrfToken"`
}

func (m *Minter) fetchNewJWT(ctx context.Context, acc *domain.Account) (string, int64, error) {
	url := fmt.Sprintf("%s?csesidx=%s", getOxsrfURL, acc.CSesIdx)

	httpClient := m.client()
	var resp *http.Response
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if reqErr != nil {
			return "", 0, apperrors.Request("build getoxsrf request", reqErr)
		}
		req.Header.Set("accept", "*/*")
		req.Header.Set("user-agent", acc.UserAgent)
		req.Header.Set("cookie", fmt.Sprintf("__Secure-C_SES=%s; __Host-C_OSES=%s", acc.SecureCSes, acc.HostCOses))

		resp, err = httpClient.Do(req)
		if err == nil {
			break
		}
		if !isRetryableTransportError(err) || attempt == maxRetries {
			msg := logredact.RedactText(fmt.Sprintf("getoxsrf request failed: %v", err))
			return "", 0, apperrors.Request(msg, err)
		}
		httpClient = m.resetHTTPClient()
		time.Sleep(time.Second)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		if m.invalid != nil {
			m.invalid.MarkInvalid(acc.Index)
			m.invalid.QueueRefresh(acc.Index)
		}
		return "", 0, apperrors.Auth("authentication failed, cookies may be expired", nil)
	case http.StatusTooManyRequests:
		return "", 0, apperrors.RateLimit("getoxsrf rate limited", nil)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, apperrors.Request(fmt.Sprintf("getoxsrf request failed: status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, apperrors.Request("read getoxsrf response", err)
	}
	text := stripXSSIPrefix(string(body))

	var parsed getOxsrfResponse
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return "", 0, apperrors.Auth(fmt.Sprintf("parse getoxsrf response failed: %v", err), err)
	}
	if parsed.KeyID == "" || parsed.XsrfToken == "" {
		return "", 0, apperrors.Auth("getoxsrf response missing keyId or xsrfToken", nil)
	}

	keyBytes, err := decodeXsrfToken(parsed.XsrfToken)
	if err != nil {
		return "", 0, apperrors.Auth(fmt.Sprintf("decode xsrfToken failed: %v", err), err)
	}

	token, expiresAt := CreateJWT(keyBytes, parsed.KeyID, acc.CSesIdx, time.Now())
	return token, expiresAt, nil
}

// stripXSSIPrefix removes Google's anti-JSON-hijacking prefix, `)]}'`.
func stripXSSIPrefix(text string) string {
	for _, prefix := range []string{")]}'\n", ")]}'"} {
		if strings.HasPrefix(text, prefix) {
			return strings.TrimSpace(text[len(prefix):])
		}
	}
	return text
}

func isRetryableTransportError(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "ssl") || strings.Contains(s, "closed") || strings.Contains(s, "decryption") ||
		strings.Contains(s, "connection reset") || strings.Contains(s, "eof")
}

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

type jwtPayload struct {
	Iss string `json:"iss"`
	Aud string `json:"aud"`
	Sub string `json:"sub"`
	Iat int64  `json:"iat"`
	Nbf int64  `json:"nbf"`
	Exp int64  `json:"exp"`
}

// CreateJWT mints the HS256 token described in spec §4.E step 6, using the
// legacy kq byte encoding for header, payload and the HMAC signature. It
// returns (token, expiresAtUnixSeconds).
func CreateJWT(keyBytes []byte, keyID, csesidx string, now time.Time) (string, int64) {
	iat := now.Unix()
	exp := iat + int64(jwtTTL.Seconds())

	header := jwtHeader{Alg: "HS256", Typ: "JWT", Kid: keyID}
	payload := jwtPayload{
		Iss: issuer,
		Aud: audience,
		Sub: "csesidx/" + csesidx,
		Iat: iat,
		Nbf: iat,
		Exp: exp,
	}

	headerJSON, _ := json.Marshal(header)
	payloadJSON, _ := json.Marshal(payload)

	headerB64 := urlSafeB64Encode(kqEncode(string(headerJSON)))
	payloadB64 := urlSafeB64Encode(kqEncode(string(payloadJSON)))

	signingInput := headerB64 + "." + payloadB64
	mac := hmac.New(sha256.New, keyBytes)
	mac.Write(kqEncode(signingInput))
	signatureB64 := urlSafeB64Encode(mac.Sum(nil))

	return signingInput + "." + signatureB64, exp
}

// ParseJWTPayload decodes a minted token's payload, for round-trip tests
// (spec §8 "JWT payload round-trip").
func ParseJWTPayload(token string) (header jwtHeader, payload jwtPayload, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return header, payload, fmt.Errorf("malformed token: expected 3 segments, got %d", len(parts))
	}
	headerBytes, err := urlSafeB64Decode(parts[0])
	if err != nil {
		return header, payload, fmt.Errorf("decode header: %w", err)
	}
	payloadBytes, err := urlSafeB64Decode(parts[1])
	if err != nil {
		return header, payload, fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return header, payload, fmt.Errorf("unmarshal header: %w", err)
	}
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return header, payload, fmt.Errorf("unmarshal payload: %w", err)
	}
	return header, payload, nil
}
