package fetch

import (
	"net/http"
	"time"
)

// Profile is one browser-class fingerprint: a coherent bundle of headers
// sent in browser order plus a dedicated transport, so cookies obtained
// under a profile are always replayed under the same one.
type Profile struct {
	Name           string
	UserAgent      string
	Accept         string
	AcceptLanguage string
	SecChUA        string
	SecChUAMobile  string
	SecChUAPlat    string
	transport      *http.Transport
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 15 * time.Second,
	}
}

// profiles are the fingerprints a source can be pinned to. Each owns its
// transport; connections are never shared across fingerprints.
var profiles = map[string]*Profile{
	"chrome_120": {
		Name:           "chrome_120",
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
		AcceptLanguage: "en-US,en;q=0.9,ar;q=0.8",
		SecChUA:        `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`,
		SecChUAMobile:  "?0",
		SecChUAPlat:    `"Windows"`,
		transport:      newTransport(),
	},
	"firefox_125": {
		Name:           "firefox_125",
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
		Accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
		AcceptLanguage: "en-US,en;q=0.5",
		transport:      newTransport(),
	},
}

// ProfileFor resolves a fingerprint name, falling back to chrome_120 for
// unknown names so a config typo degrades instead of failing.
func ProfileFor(name string) *Profile {
	if p, ok := profiles[name]; ok {
		return p
	}
	return profiles["chrome_120"]
}

// apply sets the profile's headers on a request without clobbering headers
// the caller set explicitly.
func (p *Profile) apply(req *http.Request) {
	set := func(key, value string) {
		if value != "" && req.Header.Get(key) == "" {
			req.Header.Set(key, value)
		}
	}
	set("User-Agent", p.UserAgent)
	set("Accept", p.Accept)
	set("Accept-Language", p.AcceptLanguage)
	set("Sec-Ch-Ua", p.SecChUA)
	set("Sec-Ch-Ua-Mobile", p.SecChUAMobile)
	set("Sec-Ch-Ua-Platform", p.SecChUAPlat)
	set("Connection", "keep-alive")
}
