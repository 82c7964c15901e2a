package db

import (
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Jar is an http.CookieJar that writes every cookie it accepts through
// to the database, so role sessions survive a restart.
type Jar struct {
	inner    *cookiejar.Jar
	database *Database
	now      func() time.Time
}

// NewJar loads the stored cookies into a fresh in-memory jar.
func NewJar(database *Database) (*Jar, error) {
	inner, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}

	j := &Jar{inner: inner, database: database, now: time.Now}

	origins, err := database.ListOrigins()
	if err != nil {
		return nil, err
	}

	loaded := 0
	for _, origin := range origins {
		u, err := url.Parse(origin)
		if err != nil {
			log.Printf("Skipping cookies for bad origin %q: %v", origin, err)
			continue
		}

		stored, err := database.ListCookies(origin)
		if err != nil {
			return nil, err
		}

		cookies := make([]*http.Cookie, 0, len(stored))
		for _, c := range stored {
			if c.Expires != nil && c.Expires.Before(j.now()) {
				continue
			}
			hc := &http.Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HttpOnly: c.HttpOnly,
			}
			if c.Expires != nil {
				hc.Expires = *c.Expires
			}
			cookies = append(cookies, hc)
		}
		inner.SetCookies(u, cookies)
		loaded += len(cookies)
	}

	if loaded > 0 {
		log.Printf("Loaded %d stored cookies", loaded)
	}
	return j, nil
}

func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	return j.inner.Cookies(u)
}

func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.inner.SetCookies(u, cookies)

	origin := u.Scheme + "://" + u.Host
	now := j.now()

	for _, c := range cookies {
		var expires *time.Time
		switch {
		case c.MaxAge < 0:
			expires = &now
		case c.MaxAge > 0:
			t := now.Add(time.Duration(c.MaxAge) * time.Second)
			expires = &t
		case !c.Expires.IsZero():
			t := c.Expires
			expires = &t
		}

		if expires != nil && !expires.After(now) {
			if err := j.database.DeleteCookie(origin, c.Name, c.Path); err != nil {
				log.Printf("Failed to delete cookie %s: %v", c.Name, err)
			}
			continue
		}

		err := j.database.SaveCookie(Cookie{
			Origin:   origin,
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  expires,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		})
		if err != nil {
			log.Printf("Failed to persist cookie %s: %v", c.Name, err)
		}
	}
}
