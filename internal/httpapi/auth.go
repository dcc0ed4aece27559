package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	OrganizationID string
	Subject        string
	Scopes         map[string]struct{}
	Exp            int64
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

// authorizeBearer checks an HS256 token issued for aud "relaystatus". The
// org_id claim must match the organization in the route.
func authorizeBearer(authHeader, jwtSecret, organizationID, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, authErr := parseBearer(authHeader, jwtSecret, now)
	if authErr != nil {
		return tokenClaims{}, authErr
	}
	if organizationID != "" && claims.OrganizationID != organizationID {
		return tokenClaims{}, forbidden("organization mismatch")
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return tokenClaims{}, forbidden("missing required scope: " + requiredScope)
		}
	}
	return claims, nil
}

type jwtPayload struct {
	OrganizationID string          `json:"org_id"`
	Subject        string          `json:"sub"`
	Audience       string          `json:"aud"`
	Exp            json.Number     `json:"exp"`
	Scopes         json.RawMessage `json:"scopes"`
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 3 {
		return tokenClaims{}, unauthorized("invalid jwt format")
	}

	var header struct {
		Alg string `json:"alg"`
	}
	if err := decodeSegment(parts[0], &header); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return tokenClaims{}, unauthorized("unsupported jwt algorithm")
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt signature")
	}
	mac := hmac.New(sha256.New, []byte(jwtSecret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return tokenClaims{}, unauthorized("jwt signature mismatch")
	}

	var payload jwtPayload
	if err := decodeSegment(parts[1], &payload); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	switch {
	case payload.OrganizationID == "":
		return tokenClaims{}, unauthorized("missing org_id claim")
	case payload.Subject == "":
		return tokenClaims{}, unauthorized("missing sub claim")
	}
	exp, err := payload.Exp.Float64()
	if err != nil {
		return tokenClaims{}, unauthorized("invalid exp claim")
	}
	if now.Unix() >= int64(exp) {
		return tokenClaims{}, unauthorized("token expired")
	}
	if payload.Audience != "relaystatus" {
		return tokenClaims{}, unauthorized("invalid aud claim")
	}
	scopes := parseScopes(payload.Scopes)
	if len(scopes) == 0 {
		return tokenClaims{}, forbidden("no scopes granted")
	}
	return tokenClaims{
		OrganizationID: payload.OrganizationID,
		Subject:        payload.Subject,
		Scopes:         scopes,
		Exp:            int64(exp),
	}, nil
}

func decodeSegment(segment string, out any) error {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// parseScopes accepts a JSON array or a space separated string.
func parseScopes(raw json.RawMessage) map[string]struct{} {
	out := map[string]struct{}{}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		var joined string
		if err := json.Unmarshal(raw, &joined); err != nil {
			return out
		}
		list = strings.Fields(joined)
	}
	for _, scope := range list {
		if scope = strings.TrimSpace(scope); scope != "" {
			out[scope] = struct{}{}
		}
	}
	return out
}

// verifyInternalHMAC checks hex(HMAC-SHA256(secret, timestamp + "\n" + body))
// and that the RFC 3339 timestamp is within maxSkew of now.
func verifyInternalHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return unauthorized("missing internal auth headers")
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return unauthorized("invalid internal timestamp")
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return unauthorized("internal request outside replay window")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	expectedHex := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expectedHex)) {
		return unauthorized("internal signature mismatch")
	}
	return nil
}
