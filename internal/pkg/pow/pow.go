/*
Package pow implements the Proof-of-Work (PoW) challenge that guards account registration.

A client fetches a nonce, searches for a counter whose SHA-256 of nonce+counter starts with
the required number of hex zeros, and exchanges the proof for a short-lived single-use token.
*/
package pow

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// TokenHeaderKey is the HTTP header key used by the client to send the Proof Token.
	TokenHeaderKey = "X-PoW-Token"

	// ProofTokenDuration is the validity period for the Proof Token issued after successful PoW validation.
	ProofTokenDuration = 30 * time.Second

	// NonceExpiryDuration is the validity period for the challenge Nonce.
	NonceExpiryDuration = 5 * time.Minute

	cleanupInterval = time.Minute
)

var (
	ErrNonceInvalid  = errors.New("nonce expired or invalid")
	ErrProofTooWeak  = errors.New("proof does not meet difficulty requirement")
	ErrNonceConsumed = errors.New("nonce consumed by concurrent request")
)

// Challenge is handed to the client.
type Challenge struct {
	Nonce      string `json:"nonce"`
	Difficulty int    `json:"difficulty"`
}

// PoWManager manages the lifecycle of PoW challenges and Proof Tokens. It is safe for concurrent use.
type PoWManager struct {
	// difficulty is the required number of leading hex zeros of the proof hash.
	difficulty int

	// nonceStore stores active nonces and their expiration times.
	nonceStore map[string]time.Time

	// tokenStore stores issued Proof Tokens and their expiration times.
	tokenStore map[string]time.Time

	// mu protects concurrent access to nonceStore and tokenStore.
	mu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
}

// NewPoWManager creates a PoWManager and starts its cleanup goroutine. Call Close to stop it.
func NewPoWManager(difficulty int) *PoWManager {
	mgr := &PoWManager{
		difficulty: difficulty,
		nonceStore: make(map[string]time.Time),
		tokenStore: make(map[string]time.Time),
		stop:       make(chan struct{}),
	}

	go mgr.cleanupExpiredEntries()

	return mgr
}

// NewChallenge issues a fresh nonce.
func (m *PoWManager) NewChallenge() Challenge {
	m.mu.Lock()
	defer m.mu.Unlock()

	nonce := uuid.New().String()
	m.nonceStore[nonce] = time.Now().Add(NonceExpiryDuration)
	return Challenge{Nonce: nonce, Difficulty: m.difficulty}
}

// ValidateProof checks nonce+counter against the difficulty and, on success, consumes
// the nonce and issues a Proof Token.
func (m *PoWManager) ValidateProof(nonce, counter string) (string, error) {
	m.mu.Lock()
	expiryTime, ok := m.nonceStore[nonce]
	m.mu.Unlock()

	if !ok || time.Now().After(expiryTime) {
		return "", ErrNonceInvalid
	}

	if !Satisfies(nonce, counter, m.difficulty) {
		return "", ErrProofTooWeak
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, stillExists := m.nonceStore[nonce]; !stillExists {
		return "", ErrNonceConsumed
	}

	delete(m.nonceStore, nonce)

	token := uuid.New().String()
	m.tokenStore[token] = time.Now().Add(ProofTokenDuration)
	return token, nil
}

// ConsumeProofToken reports whether the request carries a valid Proof Token, in the
// X-PoW-Token header or the pow_token query parameter. A token is accepted once.
func (m *PoWManager) ConsumeProofToken(r *http.Request) bool {
	token := r.Header.Get(TokenHeaderKey)
	if token == "" {
		token = r.URL.Query().Get("pow_token")
	}

	if token == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	expiryTime, ok := m.tokenStore[token]
	if !ok {
		return false
	}
	delete(m.tokenStore, token)

	return time.Now().Before(expiryTime)
}

// Close stops the cleanup goroutine.
func (m *PoWManager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Satisfies reports whether sha256(nonce+counter) starts with difficulty hex zeros.
func Satisfies(nonce, counter string, difficulty int) bool {
	hash := sha256.Sum256([]byte(nonce + counter))
	return strings.HasPrefix(hex.EncodeToString(hash[:]), strings.Repeat("0", difficulty))
}

// Solve searches for the smallest counter satisfying the challenge. It is what clients run.
func Solve(c Challenge) string {
	for i := 0; ; i++ {
		counter := strconv.Itoa(i)
		if Satisfies(c.Nonce, counter, c.Difficulty) {
			return counter
		}
	}
}

// cleanupExpiredEntries periodically drops expired nonces and tokens.
func (m *PoWManager) cleanupExpiredEntries() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

func (m *PoWManager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for nonce, expiry := range m.nonceStore {
		if now.After(expiry) {
			delete(m.nonceStore, nonce)
		}
	}

	for token, expiry := range m.tokenStore {
		if now.After(expiry) {
			delete(m.tokenStore, token)
		}
	}
}
