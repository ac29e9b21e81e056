package source

import (
	"encoding/json"
	"fmt"
	"strings"
)

const defaultCookieDomain = ".tradingview.com"

// Cookie is the browser-export cookie format accepted in browser.cookies_json.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite"`
}

// ParseCookies decodes a JSON cookie array. Missing domains default to the
// screener domain and missing paths to "/".
func ParseCookies(raw string) ([]Cookie, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var cookies []Cookie
	if err := json.Unmarshal([]byte(raw), &cookies); err != nil {
		return nil, fmt.Errorf("decode cookies json: %w", err)
	}
	for i := range cookies {
		if cookies[i].Name == "" {
			return nil, fmt.Errorf("cookie %d has no name", i)
		}
		if cookies[i].Domain == "" {
			cookies[i].Domain = defaultCookieDomain
		}
		if cookies[i].Path == "" {
			cookies[i].Path = "/"
		}
	}
	return cookies, nil
}
