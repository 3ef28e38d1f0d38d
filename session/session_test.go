package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, exp time.Time) string {
	var tok = jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "store-user",
		"exp": exp.Unix(),
	})
	signed, err := tok.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return signed
}

func stateWithToken(t *testing.T, token string) []byte {
	var raw = fmt.Sprintf(`{
		"cookies": [{"name": "sid", "value": "abc123", "domain": "crm.example.in", "path": "/", "expires": -1}],
		"origins": [{
			"origin": "https://crm.example.in",
			"localStorage": [
				{"name": "theme", "value": "dark"},
				{"name": "auth", "value": %q}
			]
		}]
	}`, fmt.Sprintf(`{"access_token": %q, "user": "store-user"}`, token))
	require.True(t, json.Valid([]byte(raw)))
	return []byte(raw)
}

func TestSaveLoadClearRoundTrip(t *testing.T) {
	var mgr, err = NewManager(t.TempDir())
	require.NoError(t, err)

	var raw = stateWithToken(t, signedToken(t, time.Now().Add(time.Hour)))
	require.NoError(t, mgr.Save("TD010", raw))

	// The file lands under the canonical per-store name.
	_, statErr := os.Stat(mgr.Path("TD010"))
	require.NoError(t, statErr)

	state, ok := mgr.Load("TD010")
	require.True(t, ok)
	require.Len(t, state.Cookies, 1)
	require.Equal(t, "sid", state.Cookies[0].Name)
	require.JSONEq(t, string(raw), string(state.Raw))

	require.NoError(t, mgr.Clear("TD010"))
	_, ok = mgr.Load("TD010")
	require.False(t, ok)

	// Clearing again is a no-op, not an error.
	require.NoError(t, mgr.Clear("TD010"))
}

func TestLoadServesFromCache(t *testing.T) {
	var mgr, err = NewManager(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, mgr.Save("TD010", stateWithToken(t, signedToken(t, time.Now().Add(time.Hour)))))
	_, ok := mgr.Load("TD010")
	require.True(t, ok)

	// Removing the file out from under the manager does not evict the
	// cached parse; in-process reuse never re-reads the directory.
	require.NoError(t, os.Remove(mgr.Path("TD010")))
	_, ok = mgr.Load("TD010")
	require.True(t, ok)
}

func TestLoadDiscardsCorruptState(t *testing.T) {
	var mgr, err = NewManager(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(mgr.Path("TD010"), []byte("{truncated"), 0o600))
	_, ok := mgr.Load("TD010")
	require.False(t, ok)
}

func TestSaveRejectsInvalidJSON(t *testing.T) {
	var mgr, err = NewManager(t.TempDir())
	require.NoError(t, err)
	require.Error(t, mgr.Save("TD010", []byte("not json")))
}

func TestProbeExpiredTokenSkipsNavigation(t *testing.T) {
	var state, err = Parse(stateWithToken(t, signedToken(t, time.Now().Add(-time.Hour))))
	require.NoError(t, err)

	var nav NavProbe = func(context.Context) (Verdict, error) {
		t.Fatal("navigation must not run when a token is provably expired")
		return Unknown, nil
	}
	verdict, err := Probe(context.Background(), state, time.Now(), nav)
	require.NoError(t, err)
	require.Equal(t, Expired, verdict)
}

func TestProbeDefersToNavigation(t *testing.T) {
	var state, err = Parse(stateWithToken(t, signedToken(t, time.Now().Add(time.Hour))))
	require.NoError(t, err)

	var navCalls int
	verdict, err := Probe(context.Background(), state, time.Now(),
		func(context.Context) (Verdict, error) {
			navCalls++
			return Valid, nil
		})
	require.NoError(t, err)
	require.Equal(t, Valid, verdict)
	require.Equal(t, 1, navCalls)
}

func TestProbeUnknownWithoutNavigator(t *testing.T) {
	// No bearer tokens at all, and no navigator to consult.
	var state, err = Parse([]byte(`{"cookies": [], "origins": []}`))
	require.NoError(t, err)

	verdict, err := Probe(context.Background(), state, time.Now(), nil)
	require.NoError(t, err)
	require.Equal(t, Unknown, verdict)
}

func TestBearerTokensFindsNestedToken(t *testing.T) {
	var token = signedToken(t, time.Now().Add(time.Hour))
	var state, err = Parse(stateWithToken(t, token))
	require.NoError(t, err)
	require.Equal(t, []string{token}, state.BearerTokens())
}
