package actions

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// CallbackPrefix namespaces event buttons in callback data.
const CallbackPrefix = "ctf"

// Token is a short stable id for an event key. Callback data is limited to 64
// bytes, so buttons carry the token instead of the key.
func Token(key string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return fmt.Sprintf("%016x", h.Sum64())
}

// CallbackData encodes "ctf:<action>:<token>".
func CallbackData(a Action, key string) string {
	return CallbackPrefix + ":" + string(a) + ":" + Token(key)
}

// ParseCallback splits callback data produced by CallbackData.
func ParseCallback(data string) (Action, string, bool) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 3)
	if len(parts) != 3 || parts[0] != CallbackPrefix {
		return "", "", false
	}
	a := Action(parts[1])
	if !a.Valid() || parts[2] == "" {
		return "", "", false
	}
	return a, parts[2], true
}

// ResolveToken finds the event key for a token among the cached events and the
// tenant's bound event channels.
func (s *Service) ResolveToken(tenant int64, token string) (string, bool) {
	for _, k := range s.store.Cache.Keys() {
		if Token(k) == token {
			return k, true
		}
	}
	for k := range s.store.Tenants.Get(tenant).EventChannels {
		if Token(k) == token {
			return k, true
		}
	}
	return "", false
}
