package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	tokenAudience = "relaycal"
	tokenLeeway   = 30 * time.Second
)

const (
	scopeCalendarRead    = "calendar:read"
	scopeCalendarWrite   = "calendar:write"
	scopeConflictResolve = "conflicts:resolve"
	scopeSyncTrigger     = "sync:trigger"
)

// routeScopes is the scope each authenticated route requires.
var routeScopes = map[string]string{
	"events_list":      scopeCalendarRead,
	"events_enqueue":   scopeCalendarWrite,
	"event":            scopeCalendarRead,
	"conflicts":        scopeCalendarRead,
	"conflict_resolve": scopeConflictResolve,
	"sync":             scopeSyncTrigger,
	"sync_status":      scopeCalendarRead,
	"sync_stream":      scopeCalendarRead,
}

// impliedBy lists the broader scopes that also satisfy a scope. A token that
// may write the calendar may read it and settle its conflicts.
var impliedBy = map[string][]string{
	scopeCalendarRead:    {scopeCalendarWrite},
	scopeConflictResolve: {scopeCalendarWrite},
}

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

// principal is the calendar owner and client a verified token speaks for.
type principal struct {
	OwnerID  string
	ClientID string
	Expires  time.Time
	scopes   map[string]struct{}
}

func (p principal) can(scope string) bool {
	if _, ok := p.scopes[scope]; ok {
		return true
	}
	for _, broader := range impliedBy[scope] {
		if _, ok := p.scopes[broader]; ok {
			return true
		}
	}
	return false
}

func (p principal) rateKey() string {
	return p.OwnerID + "|" + p.ClientID
}

// calendarClaims is the HS256 token payload. owner_id falls back to sub, and
// scopes may arrive as a list or as a space separated "scope" string.
type calendarClaims struct {
	Subject   string       `json:"sub"`
	OwnerID   string       `json:"owner_id"`
	ClientID  string       `json:"client_id"`
	Audience  stringList   `json:"aud"`
	Scopes    stringList   `json:"scopes"`
	Scope     string       `json:"scope"`
	ExpiresAt *numericDate `json:"exp"`
	NotBefore *numericDate `json:"nbf"`
}

func (c calendarClaims) owner() string {
	if owner := strings.TrimSpace(c.OwnerID); owner != "" {
		return owner
	}
	return strings.TrimSpace(c.Subject)
}

func (c calendarClaims) scopeSet() map[string]struct{} {
	out := map[string]struct{}{}
	for _, scope := range c.Scopes {
		if scope = strings.TrimSpace(scope); scope != "" {
			out[scope] = struct{}{}
		}
	}
	for _, scope := range strings.Fields(c.Scope) {
		out[scope] = struct{}{}
	}
	return out
}

// stringList decodes either a JSON string or an array of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = strings.Fields(s)
		return nil
	}
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*l = items
	return nil
}

func (l stringList) contains(want string) bool {
	for _, s := range l {
		if s == want {
			return true
		}
	}
	return false
}

// numericDate is a JWT NumericDate: seconds since the epoch, possibly
// fractional.
type numericDate struct {
	time.Time
}

func (d *numericDate) UnmarshalJSON(data []byte) error {
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("numeric date: %w", err)
	}
	whole := int64(secs)
	d.Time = time.Unix(whole, int64((secs-float64(whole))*float64(time.Second))).UTC()
	return nil
}

type tokenVerifier struct {
	secret   []byte
	ownerID  string
	audience string
	leeway   time.Duration
}

func newTokenVerifier(secret, ownerID string) tokenVerifier {
	return tokenVerifier{
		secret:   []byte(secret),
		ownerID:  ownerID,
		audience: tokenAudience,
		leeway:   tokenLeeway,
	}
}

// authorize verifies the bearer token and checks it grants the scope route
// needs. When the verifier is bound to an owner the token must be issued for
// that owner.
func (v tokenVerifier) authorize(authHeader, route string, now time.Time) (principal, *authError) {
	token, ok := bearerToken(authHeader)
	if !ok {
		return principal{}, unauthorized("missing or invalid bearer token")
	}
	p, authErr := v.verify(token, now)
	if authErr != nil {
		return principal{}, authErr
	}
	if v.ownerID != "" && p.OwnerID != v.ownerID {
		return principal{}, forbidden("owner mismatch")
	}
	if scope := routeScopes[route]; scope != "" && !p.can(scope) {
		return principal{}, forbidden("missing required scope: " + scope)
	}
	return p, nil
}

func (v tokenVerifier) verify(token string, now time.Time) (principal, *authError) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return principal{}, unauthorized("invalid jwt format")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := decodeSegment(parts[0], &header); err != nil {
		return principal{}, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return principal{}, unauthorized("unsupported jwt algorithm")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return principal{}, unauthorized("invalid jwt signature")
	}
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return principal{}, unauthorized("jwt signature mismatch")
	}

	var claims calendarClaims
	if err := decodeSegment(parts[1], &claims); err != nil {
		return principal{}, unauthorized("invalid jwt payload")
	}
	owner := claims.owner()
	if owner == "" {
		return principal{}, unauthorized("missing owner_id claim")
	}
	if !claims.Audience.contains(v.audience) {
		return principal{}, unauthorized("invalid aud claim")
	}
	if claims.ExpiresAt == nil {
		return principal{}, unauthorized("missing exp claim")
	}
	if !now.Before(claims.ExpiresAt.Add(v.leeway)) {
		return principal{}, unauthorized("token expired")
	}
	if claims.NotBefore != nil && now.Add(v.leeway).Before(claims.NotBefore.Time) {
		return principal{}, unauthorized("token not yet valid")
	}
	scopes := claims.scopeSet()
	if len(scopes) == 0 {
		return principal{}, forbidden("no scopes granted")
	}
	return principal{
		OwnerID:  owner,
		ClientID: strings.TrimSpace(claims.ClientID),
		Expires:  claims.ExpiresAt.Time,
		scopes:   scopes,
	}, nil
}

func bearerToken(authHeader string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authHeader), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func decodeSegment(segment string, dst any) error {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// signWebhook returns the hex HMAC-SHA256 of timestamp and body joined by a
// newline. Push sources sign deliveries the same way.
func signWebhook(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyWebhookSignature accepts the bare hex digest or one prefixed with
// "sha256=".
func verifyWebhookSignature(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return unauthorized("missing webhook signature headers")
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return unauthorized("invalid webhook timestamp")
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return unauthorized("webhook outside replay window")
	}
	digest := strings.ToLower(strings.TrimSpace(signature))
	digest = strings.TrimPrefix(digest, "sha256=")
	expected := signWebhook(secret, timestamp, body)
	if !hmac.Equal([]byte(digest), []byte(expected)) {
		return unauthorized("webhook signature mismatch")
	}
	return nil
}
