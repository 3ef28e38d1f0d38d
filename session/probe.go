package session

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
)

// Verdict is the outcome of probing a stored session.
type Verdict int

const (
	// Unknown means the probe could not decide; callers attempt reuse and
	// fall back to a fresh login if the site bounces them.
	Unknown Verdict = iota
	// Valid means post-login controls were observed with the state attached.
	Valid
	// Expired means the state is certainly dead and a fresh login is required.
	Expired
)

func (v Verdict) String() string {
	switch v {
	case Valid:
		return "valid"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// NavProbe checks the live site with the candidate state attached and
// reports whether a login form (Expired) or post-login controls (Valid)
// were found. Implemented by the browser flows.
type NavProbe func(ctx context.Context) (Verdict, error)

var tokenParser = jwt.NewParser()

// Probe decides whether |state| is worth reusing. The fast path inspects
// bearer tokens embedded in the state without verifying signatures: an exp
// claim in the past proves the session is dead and skips the navigation
// round-trip entirely. Anything less certain defers to |nav|, or reports
// Unknown when no navigator is supplied.
func Probe(ctx context.Context, state *State, now time.Time, nav NavProbe) (Verdict, error) {
	for _, token := range state.BearerTokens() {
		var claims = jwt.MapClaims{}
		if _, _, err := tokenParser.ParseUnverified(token, claims); err != nil {
			continue
		}
		exp, err := claims.GetExpirationTime()
		if err != nil || exp == nil {
			continue
		}
		if exp.Time.Before(now) {
			log.WithField("expiredAt", exp.Time).Debug("stored bearer token is expired")
			return Expired, nil
		}
	}
	if nav == nil {
		return Unknown, nil
	}
	return nav(ctx)
}
