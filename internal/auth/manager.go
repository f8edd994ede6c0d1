// Package auth はセッションによるログインとCSRF検証を提供します。
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/docvault/internal/config"
)

const (
	SessionCookieName    = "dv_session"
	sessionKeyUser       = "auth_user"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	csrfHeader = "X-CSRF-Token"
)

var (
	maxSessionLifetime = 12 * time.Hour
	idleTimeout        = 30 * time.Minute
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// ContextUserKey は、ハンドラー間でログイン済みユーザー名を共有するためのキーです。
// ジョブの作成者や文書の所有者にはこの値が使われます。
const ContextUserKey = "auth.user"

// Manager はログイン、セッション、CSRF を扱います。
type Manager struct {
	users   map[string][]byte
	secret  string
	limiter *loginLimiter
	now     func() time.Time
}

// Option は Manager の設定です。
type Option func(*Manager)

// WithClock はセッション期限とロックアウトに使う時計を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
			m.limiter.now = now
		}
	}
}

// NewManager は設定の利用者表から認証マネージャーを作成します。
func NewManager(cfg *config.Config, opts ...Option) *Manager {
	users := make(map[string][]byte)
	for name, hash := range cfg.Credentials() {
		users[name] = []byte(hash)
	}
	m := &Manager{
		users:   users,
		secret:  cfg.SessionSecret,
		limiter: newLoginLimiter(time.Now),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) ensureCredentials() error {
	if len(m.users) == 0 {
		return errors.New("APP_USERNAME/APP_PASSWORD_HASH または APP_USERS が設定されていません")
	}
	if m.secret == "" {
		return errors.New("SESSION_SECRET が設定されていません")
	}
	return nil
}

// authenticate は利用者名とパスワードを照合します。
func (m *Manager) authenticate(username, password string) bool {
	hash, ok := m.users[username]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// readUnix はセッションに保存した Unix 秒を読み込みます。cookie ストアのデコード結果は型が揺れます。
func readUnix(v any) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
