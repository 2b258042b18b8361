package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/3liz/qjazz-sub000/internal/broker"
)

// preferences is the parsed Prefer execution header.
type preferences struct {
	respondAsync bool

	// wait bounds the synchronous response window; hasWait distinguishes
	// wait=0 (answer immediately) from an absent preference.
	wait    time.Duration
	hasWait bool

	// priority selects a higher priority queue; honored for admin realms
	// only.
	priority    int
	hasPriority bool

	// delay postpones execution.
	delay time.Duration
}

// parsePrefer reads the execution preferences from every Prefer header.
// Tokens are comma or semicolon separated; unknown preferences are ignored
// per RFC 7240, malformed known ones are an error.
func parsePrefer(h http.Header) (*preferences, error) {
	p := &preferences{}
	for _, header := range h.Values("Prefer") {
		for _, tok := range strings.FieldsFunc(header, func(r rune) bool { return r == ',' || r == ';' }) {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			name, value, hasValue := strings.Cut(tok, "=")
			name = strings.ToLower(strings.TrimSpace(name))
			value = strings.Trim(strings.TrimSpace(value), `"`)
			switch name {
			case "respond-async":
				p.respondAsync = true
				if hasValue {
					b, err := strconv.ParseBool(value)
					if err != nil {
						return nil, fmt.Errorf("invalid preference respond-async=%q", value)
					}
					p.respondAsync = b
				}
			case "wait":
				secs, err := strconv.Atoi(value)
				if err != nil || secs < 0 {
					return nil, fmt.Errorf("invalid preference wait=%q", value)
				}
				p.wait = time.Duration(secs) * time.Second
				p.hasWait = true
			case "priority":
				n, err := strconv.Atoi(value)
				if err != nil || n < 0 || n > broker.MaxPriority {
					return nil, fmt.Errorf("invalid preference priority=%q", value)
				}
				p.priority = n
				p.hasPriority = true
			case "delay":
				secs, err := strconv.Atoi(value)
				if err != nil || secs < 0 {
					return nil, fmt.Errorf("invalid preference delay=%q", value)
				}
				p.delay = time.Duration(secs) * time.Second
			}
		}
	}
	return p, nil
}
