package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Credentials is the structured view of a payload that captures understand.
// Unknown payload keys are ignored.
type Credentials struct {
	Cookies   Cookies           `json:"cookies,omitempty"`
	Tokens    map[string]string `json:"tokens,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
}

// Cookies accepts either {"name": "value"} or [{"name": ..., "value": ...}].
type Cookies map[string]string

// UnmarshalJSON implements json.Unmarshaler.
func (c *Cookies) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*c = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var list []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		}
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("decode cookie list: %w", err)
		}
		out := make(Cookies, len(list))
		for _, ck := range list {
			if ck.Name != "" {
				out[ck.Name] = ck.Value
			}
		}
		*c = out
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decode cookie map: %w", err)
	}
	*c = m
	return nil
}

// ParseCredentials decodes a record payload.
func ParseCredentials(payload json.RawMessage) (Credentials, error) {
	var creds Credentials
	if len(payload) == 0 {
		return creds, nil
	}
	if err := json.Unmarshal(payload, &creds); err != nil {
		return Credentials{}, fmt.Errorf("decode session payload: %w", err)
	}
	return creds, nil
}

// bearerKeys are token names that map onto an Authorization header, in
// priority order.
var bearerKeys = []string{"access_token", "bearer", "token", "auth_token"}

// Header renders the credentials as request headers.
func (c Credentials) Header() http.Header {
	h := http.Header{}
	for k, v := range c.Headers {
		h.Set(k, v)
	}
	if len(c.Cookies) > 0 {
		names := make([]string, 0, len(c.Cookies))
		for name := range c.Cookies {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, name+"="+c.Cookies[name])
		}
		h.Set("Cookie", strings.Join(parts, "; "))
	}
	if h.Get("Authorization") == "" {
		for _, key := range bearerKeys {
			if tok := c.Tokens[key]; tok != "" {
				h.Set("Authorization", "Bearer "+tok)
				break
			}
		}
	}
	return h
}
