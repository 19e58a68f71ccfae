// Package signing computes HMAC-SHA256 authorization headers for upstream
// gateways that authenticate by app id and secret.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
	"time"
)

// Headers is the header set produced by Sign, keyed by lower-case name.
type Headers map[string]string

// Sign builds the authorization header set for host at the given instant.
// The signed string is "host: <host>\ndate: <date>\n" where date is RFC1123 GMT.
func Sign(appID, appSecret, host string, now time.Time) Headers {
	date := now.UTC().Format(http.TimeFormat)
	origin := "host: " + host + "\ndate: " + date + "\n"

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write([]byte(origin))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	authorization := strings.Join([]string{
		"hmac api_key=" + appID,
		"algorithm=hmac-sha256",
		"headers=host date request-line",
		"signature=" + signature,
	}, ", ")

	return Headers{
		"authorization": authorization,
		"date":          date,
		"host":          host,
		"appId":         appID,
	}
}

// Signer applies Sign to outgoing requests. A nil Signer, or one without an
// AppID, leaves headers untouched.
type Signer struct {
	AppID     string
	AppSecret string
	Host      string
	Now       func() time.Time
}

// Enabled reports whether the signer has credentials to sign with.
func (s *Signer) Enabled() bool {
	return s != nil && s.AppID != "" && s.AppSecret != ""
}

// Apply writes the signature headers into h, replacing existing values.
func (s *Signer) Apply(h http.Header) {
	if !s.Enabled() {
		return
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	for k, v := range Sign(s.AppID, s.AppSecret, s.Host, now()) {
		h.Set(k, v)
	}
}
