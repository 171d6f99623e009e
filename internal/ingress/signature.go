package ingress

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Telephony webhook signatures: HMAC-SHA1 over the full request URL followed
// by every POST parameter as key+value, sorted by key, base64 encoded. This
// is the Twilio X-Twilio-Signature construction.

// Sign computes the expected signature for a webhook delivery.
func Sign(requestURL string, form url.Values, authToken string) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(requestURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the delivery. Comparison is
// constant time.
func Verify(requestURL string, form url.Values, authToken, signature string) bool {
	expected := Sign(requestURL, form, authToken)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// requestURL reconstructs the externally visible URL of r, honouring the
// proxy forwarding headers so signatures survive TLS termination.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}
	u := scheme + "://" + host + r.URL.Path
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	return u
}
