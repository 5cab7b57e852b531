package token

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SavedCookie 是落盘的 refresh cookie。Expires 为零值表示会话 cookie。
type SavedCookie struct {
	Origin  string
	Name    string
	Value   string
	Path    string
	Expires time.Time
	Secure  bool
}

// CookieStore 保存单个 refresh cookie，由 SQLiteStore 实现。
type CookieStore interface {
	RefreshCookie(ctx context.Context) (SavedCookie, bool, error)
	SaveRefreshCookie(ctx context.Context, c SavedCookie) error
	ClearRefreshCookie(ctx context.Context) error
}

// CookieJar 是带持久化的 http.CookieJar：名为 name 的 cookie 每次变化都写入 CookieStore，
// 下次启动时重新装入，其余 cookie 只留在内存。
type CookieJar struct {
	inner *cookiejar.Jar
	store CookieStore
	name  string
	log   zerolog.Logger
}

func NewCookieJar(ctx context.Context, store CookieStore, name string, log zerolog.Logger) (*CookieJar, error) {
	inner, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	j := &CookieJar{inner: inner, store: store, name: name, log: log}

	saved, ok, err := store.RefreshCookie(ctx)
	if err != nil {
		return nil, err
	}
	if !ok || saved.Name != name {
		return j, nil
	}
	if !saved.Expires.IsZero() && !saved.Expires.After(time.Now()) {
		return j, store.ClearRefreshCookie(ctx)
	}
	u, err := url.Parse(saved.Origin)
	if err != nil || u.Host == "" {
		log.Warn().Str("origin", saved.Origin).Msg("discarding refresh cookie with bad origin")
		return j, store.ClearRefreshCookie(ctx)
	}
	inner.SetCookies(u, []*http.Cookie{{
		Name:     saved.Name,
		Value:    saved.Value,
		Path:     saved.Path,
		Expires:  saved.Expires,
		Secure:   saved.Secure,
		HttpOnly: true,
	}})
	return j, nil
}

func (j *CookieJar) Cookies(u *url.URL) []*http.Cookie { return j.inner.Cookies(u) }

// SetCookies 先更新内存 jar，再持久化 refresh cookie；落盘失败只记日志，当前进程不受影响。
func (j *CookieJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.inner.SetCookies(u, cookies)
	for _, c := range cookies {
		if c.Name != j.name {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := j.persist(ctx, u, c)
		cancel()
		if err != nil {
			j.log.Warn().Err(err).Msg("persist refresh cookie failed")
		}
	}
}

func (j *CookieJar) persist(ctx context.Context, u *url.URL, c *http.Cookie) error {
	now := time.Now()
	var expires time.Time
	switch {
	case c.MaxAge < 0 || c.Value == "":
		return j.store.ClearRefreshCookie(ctx)
	case c.MaxAge > 0:
		expires = now.Add(time.Duration(c.MaxAge) * time.Second)
	case !c.Expires.IsZero():
		if !c.Expires.After(now) {
			return j.store.ClearRefreshCookie(ctx)
		}
		expires = c.Expires
	}
	path := c.Path
	if path == "" || path[0] != '/' {
		path = defaultPath(u.Path)
	}
	return j.store.SaveRefreshCookie(ctx, SavedCookie{
		Origin:  u.Scheme + "://" + u.Host,
		Name:    c.Name,
		Value:   c.Value,
		Path:    path,
		Expires: expires,
		Secure:  c.Secure,
	})
}

// defaultPath 按 RFC 6265 5.1.4 取请求路径的目录部分。
func defaultPath(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}
