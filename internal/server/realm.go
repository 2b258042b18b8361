package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/3liz/qjazz-sub000/internal/config"
)

// realmHeader carries the client's job scoping token.
const realmHeader = "X-Job-Realm"

// realms applies the job realm rules: with realm mode enabled every job
// lookup must present a token, admin tokens lift the filter, and execute
// requests without a token get a fresh one minted.
type realms struct {
	enabled bool
	admins  map[string]struct{}
}

func newRealms(cfg *config.Realm) *realms {
	admins := make(map[string]struct{}, len(cfg.AdminTokens))
	for _, tok := range cfg.AdminTokens {
		admins[tok] = struct{}{}
	}
	return &realms{enabled: cfg.Enabled, admins: admins}
}

// admin reports whether the request bears an admin realm token.
func (rs *realms) admin(r *http.Request) bool {
	_, ok := rs.admins[r.Header.Get(realmHeader)]
	return ok
}

// lookup returns the realm filter for job lookups. ok=false means the
// request must be rejected as unauthorized. Admin tokens return an empty
// filter.
func (rs *realms) lookup(r *http.Request) (realm string, ok bool) {
	if !rs.enabled {
		return "", true
	}
	realm = r.Header.Get(realmHeader)
	if realm == "" {
		return "", false
	}
	if _, isAdmin := rs.admins[realm]; isAdmin {
		return "", true
	}
	return realm, true
}

// execute returns the realm a new job is filed under, minting an opaque
// token when the client supplied none. ok=false means the supplied token
// is malformed.
func (rs *realms) execute(r *http.Request) (realm string, ok bool) {
	if !rs.enabled {
		return "", true
	}
	realm = r.Header.Get(realmHeader)
	if realm == "" {
		return uuid.NewString(), true
	}
	if !config.ValidRealm(realm) {
		return "", false
	}
	return realm, true
}
