// Package auth は /api 配下へのアクセスをパスワードで制限します。
package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/pano-forge/internal/config"
)

// TokenHeader はアクセスパスワードを送るヘッダーです。
const TokenHeader = "X-Access-Token"

var (
	attemptWindow = 15 * time.Minute
	lockDuration  = 10 * time.Minute
	maxAttempts   = 5
)

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Manager はアクセスパスワードの検証と失敗回数の記録を行います。
type Manager struct {
	password string
	hash     []byte
	logger   *slog.Logger
	now      func() time.Time

	lock     sync.Mutex
	attempts map[string]*attemptState
}

// NewManager は設定からマネージャーを作成します。ハッシュが設定されていれば平文より優先します。
func NewManager(cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		password: cfg.AccessPassword,
		logger:   logger,
		now:      time.Now,
		attempts: make(map[string]*attemptState),
	}
	if hash := strings.TrimSpace(cfg.AccessPasswordHash); hash != "" {
		m.hash = []byte(hash)
	}
	return m
}

// Enabled はパスワードが設定されているかを返します。
func (m *Manager) Enabled() bool {
	return m.password != "" || len(m.hash) > 0
}

// RequireToken は X-Access-Token を検証するミドルウェアを返します。
// パスワードが未設定の場合はすべて通します。
func (m *Manager) RequireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}

		ip := c.ClientIP()
		if retryAfter := m.checkLock(ip); retryAfter > 0 {
			c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds())+1, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "TOO_MANY_ATTEMPTS",
				"message": "一定時間後に再度お試しください",
			})
			return
		}

		if !m.verify(c.GetHeader(TokenHeader)) {
			remaining := m.recordFailure(ip)
			m.logger.Warn("access token rejected", slog.String("ip", ip), slog.Int("remaining", remaining))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":              "UNAUTHORIZED",
				"message":           "パスワードが正しくありません",
				"remainingAttempts": remaining,
			})
			return
		}

		m.resetAttempts(ip)
		c.Next()
	}
}

func (m *Manager) verify(token string) bool {
	if token == "" {
		return false
	}
	if len(m.hash) > 0 {
		return bcrypt.CompareHashAndPassword(m.hash, []byte(token)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(m.password), []byte(token)) == 1
}

func (m *Manager) checkLock(ip string) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[ip]
	if !ok {
		return 0
	}
	now := m.now()
	if now.After(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

func (m *Manager) recordFailure(ip string) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	state, ok := m.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > attemptWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}

	state.count++
	if state.count >= maxAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxAttempts
	}

	remaining := maxAttempts - state.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (m *Manager) resetAttempts(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, ip)
}
