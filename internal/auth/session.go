// Package auth 管理简报数据源的 OAuth2 凭据生命周期。
//
// 会话显式拥有自己的令牌：刷新是返回新凭据的显式调用，持久化由
// 调用方决定，不存在后台自动落盘的隐式回调。
package auth

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	xerrors "OpenBrief/internal/errors"
)

// ReauthGuidance 指引运维在鉴权失效时重新走授权流程。凡以
// AUTH_FAILURE 中止的路径都应携带这段提示。
const ReauthGuidance = "凭据已失效，请重新运行授权流程（openbriefd -authorize）"

// Session 拥有一份 OAuth2 凭据并管理其刷新。
type Session struct {
	config *oauth2.Config

	mu    sync.Mutex
	token *oauth2.Token
}

// NewSession 以给定配置与初始令牌构造会话。
func NewSession(config *oauth2.Config, token *oauth2.Token) (*Session, error) {
	if config == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "OAuth2 配置不能为空")
	}
	return &Session{config: config, token: token}, nil
}

// LoadSession 从凭据文件与令牌文件构造会话。凭据文件是 Google
// Cloud 控制台下载的 client credentials JSON。
func LoadSession(credentialsPath, tokenPath string, scopes ...string) (*Session, error) {
	config, err := loadOAuthConfig(credentialsPath, scopes...)
	if err != nil {
		return nil, err
	}
	token, err := LoadToken(tokenPath)
	if err != nil {
		return nil, err
	}
	return NewSession(config, token)
}

// LoadCredentials 仅加载凭据文件，返回尚未持有令牌的会话，供初次
// 授权流程换取并持久化令牌。
func LoadCredentials(credentialsPath string, scopes ...string) (*Session, error) {
	config, err := loadOAuthConfig(credentialsPath, scopes...)
	if err != nil {
		return nil, err
	}
	return NewSession(config, nil)
}

func loadOAuthConfig(credentialsPath string, scopes ...string) (*oauth2.Config, error) {
	raw, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err,
			fmt.Sprintf("读取凭据文件 %s 失败", credentialsPath))
	}
	config, err := google.ConfigFromJSON(raw, scopes...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析凭据文件失败")
	}
	return config, nil
}

// LoadToken 读取此前持久化的令牌文件。
func LoadToken(path string) (*oauth2.Token, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAuthFailure, err, ReauthGuidance)
	}
	defer file.Close()
	token := &oauth2.Token{}
	if err := json.NewDecoder(file).Decode(token); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAuthFailure, err, ReauthGuidance)
	}
	return token, nil
}

// AuthCodeURL 返回离线授权链接，供初次授权时在浏览器中打开。
func (s *Session) AuthCodeURL(state string) string {
	return s.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange 用授权码换取令牌并作为会话当前凭据。
func (s *Session) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := s.config.Exchange(ctx, code)
	if err != nil {
		return nil, mapOAuthError(err)
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return cloneToken(token), nil
}

// Token 返回当前有效的访问令牌，过期时自动换新。换新后的令牌保留在
// 会话内，调用方可随后 Persist。
func (s *Session) Token(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == nil {
		return nil, xerrors.New(xerrors.CodeAuthFailure, ReauthGuidance)
	}
	if s.token.Valid() {
		return cloneToken(s.token), nil
	}
	return s.refreshLocked(ctx, s.token)
}

// Refresh 无条件换取新的访问令牌，返回更新后的凭据。
func (s *Session) Refresh(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == nil {
		return nil, xerrors.New(xerrors.CodeAuthFailure, ReauthGuidance)
	}
	stale := *s.token
	stale.AccessToken = ""
	return s.refreshLocked(ctx, &stale)
}

// refreshLocked 以 refresh token 换新。调用方必须持有 s.mu。
func (s *Session) refreshLocked(ctx context.Context, seed *oauth2.Token) (*oauth2.Token, error) {
	if seed.RefreshToken == "" {
		return nil, xerrors.New(xerrors.CodeAuthFailure, ReauthGuidance)
	}
	refreshed, err := s.config.TokenSource(ctx, seed).Token()
	if err != nil {
		return nil, mapOAuthError(err)
	}
	// 部分提供方轮换 refresh token，缺省时沿用旧值。
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = s.token.RefreshToken
	}
	s.token = refreshed
	return cloneToken(refreshed), nil
}

// Client 返回以本会话为令牌源的 HTTP 客户端，所有刷新都经由会话，
// 不会产生游离于会话之外的新凭据。
func (s *Session) Client(ctx context.Context) *http.Client {
	return oauth2.NewClient(ctx, sessionTokenSource{ctx: ctx, session: s})
}

// Persist 将当前令牌写入文件，权限 0600。
func (s *Session) Persist(path string) error {
	s.mu.Lock()
	token := cloneToken(s.token)
	s.mu.Unlock()
	if token == nil {
		return xerrors.New(xerrors.CodeAuthFailure, "没有可持久化的令牌")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建令牌目录失败")
	}
	raw, err := json.Marshal(token)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化令牌失败")
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入令牌文件失败")
	}
	return nil
}

type sessionTokenSource struct {
	ctx     context.Context
	session *Session
}

func (ts sessionTokenSource) Token() (*oauth2.Token, error) {
	return ts.session.Token(ts.ctx)
}

func mapOAuthError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if stdErrors.As(err, &retrieveErr) {
		return xerrors.Wrap(xerrors.CodeAuthFailure, err, ReauthGuidance)
	}
	return xerrors.Wrap(xerrors.CodeSourceUnavailable, err, "获取访问令牌失败")
}

func cloneToken(token *oauth2.Token) *oauth2.Token {
	if token == nil {
		return nil
	}
	clone := *token
	return &clone
}
