package http

import (
	"net/http"
	"time"
)

const (
	canonicalCookieName  = "tablevine_session"
	webSessionCookieName = "tablevine_web_session"
	oauthStateCookieName = "tablevine_oauth_state"
	recoveryCookieName   = "tablevine_recovery"

	oauthStateCookieTTL = 10 * time.Minute
	// recoveryCookieTTL bounds the "one silent recovery" window to roughly
	// one page lifetime.
	recoveryCookieTTL = 2 * time.Minute
)

// cookiePolicy captures the deployment-dependent cookie attributes. When the
// frontend is served from a different site, SameSite=None is required for the
// browser to attach cookies, which in turn mandates Secure.
type cookiePolicy struct {
	secure    bool
	crossSite bool
}

func (p cookiePolicy) sessionCookie(name, value string, ttl time.Duration) *http.Cookie {
	cookie := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   p.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(ttl.Seconds()),
		Expires:  time.Now().Add(ttl),
	}
	if p.crossSite {
		cookie.SameSite = http.SameSiteNoneMode
		cookie.Secure = true
	}
	return cookie
}

func (p cookiePolicy) clearCookie(name string) *http.Cookie {
	cookie := p.sessionCookie(name, "", 0)
	cookie.MaxAge = -1
	cookie.Expires = time.Unix(0, 0)
	return cookie
}

func cookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}
