package cwmp

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/cuemby/acs/pkg/localcache"
	"github.com/cuemby/acs/pkg/log"
	"github.com/cuemby/acs/pkg/types"
	"github.com/google/uuid"
)

// Authentication modes for the cwmp.auth config key
const (
	AuthNone   = "none"
	AuthBasic  = "basic"
	AuthDigest = "digest"

	authRealm = "acs"
)

type credentials struct {
	username string
	password string
}

// credentials resolves the username and password the device must present,
// either from static config or from the cwmp.authExtension extension
func (e *Engine) credentials(ctx context.Context, sc *types.SessionContext, snap *types.Snapshot) (*credentials, error) {
	name := localcache.ConfigString(snap, "cwmp.authExtension", "")
	if name == "" {
		return &credentials{
			username: localcache.ConfigString(snap, "cwmp.username", ""),
			password: localcache.ConfigString(snap, "cwmp.password", ""),
		}, nil
	}
	if e.extensions == nil {
		return nil, fmt.Errorf("auth extension %s configured without an extension runner", name)
	}

	res, err := e.extensions.Run(ctx, []string{name, sc.DeviceID, sc.DeviceInfo.SerialNumber})
	if err != nil {
		return nil, fmt.Errorf("failed to run auth extension: %w", err)
	}
	if res.Fault != nil {
		return nil, fmt.Errorf("auth extension %s: %s", name, res.Fault.Message)
	}
	switch v := res.Value.(type) {
	case string:
		return &credentials{username: sc.DeviceInfo.SerialNumber, password: v}, nil
	case []any:
		if len(v) == 2 {
			user, _ := v[0].(string)
			pass, _ := v[1].(string)
			return &credentials{username: user, password: pass}, nil
		}
	}
	return nil, fmt.Errorf("auth extension %s returned %T", name, res.Value)
}

// authenticate checks the Inform's credentials. It returns a 401 reply with
// a challenge on the first failure and ends the session on the second.
func (e *Engine) authenticate(ctx context.Context, sc *types.SessionContext, snap *types.Snapshot, req *Request) (*Reply, error) {
	mode := strings.ToLower(localcache.ConfigString(snap, "cwmp.auth", AuthNone))
	if mode == AuthNone || sc.AuthState == types.AuthAuthenticated {
		sc.AuthState = types.AuthAuthenticated
		return nil, nil
	}
	logger := log.WithSessionID(sc.DeviceID, sc.SessionID)

	creds, err := e.credentials(ctx, sc, snap)
	if err != nil {
		return nil, err
	}

	var ok bool
	switch mode {
	case AuthBasic:
		ok = checkBasic(req.Authorization, creds)
	case AuthDigest:
		ok = checkDigest(req.Authorization, req.HTTPMethod, sc.AuthNonce, creds)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
	if ok {
		sc.AuthState = types.AuthAuthenticated
		return nil, nil
	}

	if sc.AuthState == types.AuthChallenged {
		logger.Warn().Bool("credentials", req.Authorization != "").Msg("Authentication failed")
		return &Reply{Status: http.StatusUnauthorized, End: true}, nil
	}

	sc.AuthState = types.AuthChallenged
	header := http.Header{}
	switch mode {
	case AuthBasic:
		header.Set("WWW-Authenticate", fmt.Sprintf(`Basic realm="%s"`, authRealm))
	case AuthDigest:
		sc.AuthNonce = strings.ReplaceAll(uuid.NewString(), "-", "")
		header.Set("WWW-Authenticate", fmt.Sprintf(`Digest realm="%s", qop="auth", nonce="%s"`, authRealm, sc.AuthNonce))
	}
	logger.Debug().Str("mode", mode).Msg("Sending authentication challenge")
	return &Reply{Status: http.StatusUnauthorized, Header: header}, nil
}

func checkBasic(authorization string, creds *credentials) bool {
	scheme, payload, found := strings.Cut(authorization, " ")
	if !found || !strings.EqualFold(scheme, "Basic") {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return false
	}
	user, pass, found := strings.Cut(string(decoded), ":")
	if !found {
		return false
	}
	return user == creds.username && subtle.ConstantTimeCompare([]byte(pass), []byte(creds.password)) == 1
}

// parseDigest splits the parameters of a Digest authorization header
func parseDigest(authorization string) (map[string]string, bool) {
	scheme, rest, found := strings.Cut(authorization, " ")
	if !found || !strings.EqualFold(scheme, "Digest") {
		return nil, false
	}
	params := make(map[string]string)
	for rest != "" {
		rest = strings.TrimLeft(rest, " ,")
		key, after, found := strings.Cut(rest, "=")
		if !found {
			break
		}
		key = strings.ToLower(strings.TrimSpace(key))
		var value string
		if strings.HasPrefix(after, `"`) {
			end := strings.IndexByte(after[1:], '"')
			if end < 0 {
				return nil, false
			}
			value, rest = after[1:end+1], after[end+2:]
		} else {
			value, rest, _ = strings.Cut(after, ",")
			value = strings.TrimSpace(value)
		}
		params[key] = value
	}
	return params, true
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func checkDigest(authorization, method, nonce string, creds *credentials) bool {
	if nonce == "" {
		return false
	}
	p, ok := parseDigest(authorization)
	if !ok || p["username"] != creds.username || p["nonce"] != nonce {
		return false
	}
	ha1 := md5Hex(creds.username + ":" + authRealm + ":" + creds.password)
	ha2 := md5Hex(method + ":" + p["uri"])
	var expected string
	if p["qop"] != "" {
		expected = md5Hex(strings.Join([]string{ha1, nonce, p["nc"], p["cnonce"], p["qop"], ha2}, ":"))
	} else {
		expected = md5Hex(ha1 + ":" + nonce + ":" + ha2)
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(p["response"])) == 1
}
