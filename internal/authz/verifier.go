package authz

import (
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/arcline/gateway/internal/config"
	"github.com/arcline/gateway/internal/errors"
)

// Header pair internal services present to claim service-to-service trust.
const (
	InternalMarkerHeader = "X-Internal-Service"
	ServiceKeyHeader     = "X-Service-Key"
)

// TokenVerifier is the concrete Verifier: bearer JWTs for user and admin
// tiers, a shared-secret header pair for internal-service trust.
type TokenVerifier struct {
	secret     []byte
	publicKey  *rsa.PublicKey
	issuer     string
	audience   []string
	algorithm  string
	keyFunc    jwt.Keyfunc
	serviceKey string
	adminRole  string
}

// NewTokenVerifier creates a verifier from config.
func NewTokenVerifier(cfg config.AuthConfig) (*TokenVerifier, error) {
	v := &TokenVerifier{
		issuer:     cfg.JWT.Issuer,
		audience:   cfg.JWT.Audience,
		algorithm:  cfg.JWT.Algorithm,
		serviceKey: cfg.ServiceKey,
		adminRole:  cfg.AdminRole,
	}
	if v.algorithm == "" {
		v.algorithm = "HS256"
	}
	if v.adminRole == "" {
		v.adminRole = "admin"
	}

	if strings.HasPrefix(v.algorithm, "HS") {
		v.secret = []byte(cfg.JWT.Secret)
		v.keyFunc = func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secret, nil
		}
	} else if strings.HasPrefix(v.algorithm, "RS") {
		if cfg.JWT.PublicKey != "" {
			block, _ := pem.Decode([]byte(cfg.JWT.PublicKey))
			if block == nil {
				return nil, fmt.Errorf("failed to parse PEM block containing public key")
			}
			pub, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse public key: %w", err)
			}
			rsaPub, ok := pub.(*rsa.PublicKey)
			if !ok {
				return nil, fmt.Errorf("public key is not an RSA key")
			}
			v.publicKey = rsaPub
		}
		v.keyFunc = func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.publicKey, nil
		}
	} else {
		return nil, fmt.Errorf("unsupported algorithm: %s", v.algorithm)
	}

	return v, nil
}

// Verify checks the request against the resolved requirement. RequireNone
// never reaches this method; the dispatch engine skips verification for
// public routes.
func (v *TokenVerifier) Verify(r *http.Request, req Requirement) (*Identity, error) {
	switch req {
	case RequireInternal:
		return v.verifyInternal(r)
	case RequireUser:
		return v.verifyToken(r, false)
	case RequireAdmin:
		return v.verifyToken(r, true)
	}
	return nil, errors.ErrAuthenticationRejected.WithDetails(fmt.Sprintf("unverifiable requirement %q", req))
}

// verifyInternal checks the shared service key. A caller claiming internal
// trust with a wrong or missing key is rejected outright, not downgraded.
func (v *TokenVerifier) verifyInternal(r *http.Request) (*Identity, error) {
	if v.serviceKey == "" {
		return nil, errors.ErrAuthenticationRejected.WithDetails("internal service trust is not configured")
	}
	key := r.Header.Get(ServiceKeyHeader)
	if key == "" {
		return nil, errors.ErrAuthenticationRejected.WithDetails("service key not provided")
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(v.serviceKey)) != 1 {
		return nil, errors.ErrAuthenticationRejected.WithDetails("invalid service key")
	}

	subject := r.Header.Get(InternalMarkerHeader)
	if subject == "" || subject == "true" {
		subject = "internal-service"
	}
	return &Identity{Subject: subject, Kind: KindInternal}, nil
}

// verifyToken parses and validates the bearer token; when admin is set the
// token must also carry the admin role, and a valid token without it is an
// authorization failure rather than an authentication one.
func (v *TokenVerifier) verifyToken(r *http.Request, admin bool) (*Identity, error) {
	tokenString := extractBearer(r)
	if tokenString == "" {
		return nil, errors.ErrAuthenticationRejected.WithDetails("bearer token not provided")
	}

	token, err := jwt.Parse(tokenString, v.keyFunc)
	if err != nil {
		return nil, errors.ErrAuthenticationRejected.WithDetails(fmt.Sprintf("invalid token: %v", err))
	}
	if !token.Valid {
		return nil, errors.ErrAuthenticationRejected.WithDetails("token is not valid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.ErrAuthenticationRejected.WithDetails("invalid token claims")
	}

	if v.issuer != "" {
		iss, _ := claims.GetIssuer()
		if iss != v.issuer {
			return nil, errors.ErrAuthenticationRejected.WithDetails("invalid token issuer")
		}
	}

	if len(v.audience) > 0 {
		aud, _ := claims.GetAudience()
		if !v.containsAudience(aud) {
			return nil, errors.ErrAuthenticationRejected.WithDetails("invalid token audience")
		}
	}

	subject := ""
	if sub, _ := claims.GetSubject(); sub != "" {
		subject = sub
	}

	claimsMap := make(map[string]interface{}, len(claims))
	for k, val := range claims {
		claimsMap[k] = val
	}

	kind := KindUser
	if hasRole(claims, v.adminRole) {
		kind = KindAdmin
	}
	if admin && kind != KindAdmin {
		return nil, errors.ErrAuthorizationDenied.WithDetails("admin role required")
	}

	return &Identity{Subject: subject, Kind: kind, Claims: claimsMap}, nil
}

// hasRole checks the role claim, accepting either a single string or a list.
func hasRole(claims jwt.MapClaims, role string) bool {
	switch v := claims["role"].(type) {
	case string:
		return v == role
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && s == role {
				return true
			}
		}
	}
	return false
}

// extractBearer extracts the JWT from the Authorization header.
func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	if strings.HasPrefix(auth, "Bearer ") || strings.HasPrefix(auth, "bearer ") {
		return auth[7:]
	}
	return ""
}

// containsAudience checks if any of the token's audiences match the expected.
func (v *TokenVerifier) containsAudience(tokenAud []string) bool {
	for _, ta := range tokenAud {
		for _, ea := range v.audience {
			if ta == ea {
				return true
			}
		}
	}
	return false
}

// SignToken signs a token with the configured HMAC secret (for testing and
// local development tooling).
func (v *TokenVerifier) SignToken(claims map[string]interface{}) (string, error) {
	mapClaims := jwt.MapClaims{}
	for k, val := range claims {
		mapClaims[k] = val
	}

	var method jwt.SigningMethod
	switch v.algorithm {
	case "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return "", fmt.Errorf("unsupported algorithm for token generation: %s", v.algorithm)
	}

	return jwt.NewWithClaims(method, mapClaims).SignedString(v.secret)
}
