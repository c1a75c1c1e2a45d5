package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"

	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUserInactive    = errors.New("user inactive")
)

// Verifier resolves a bearer credential to a user id.
type Verifier interface {
	Verify(ctx context.Context, token string) (int64, error)
}

// UserSource looks up the account behind a verified token.
type UserSource interface {
	GetUser(ctx context.Context, userID int64) (models.User, error)
}

// Options control signing and validation.
type Options struct {
	Secret []byte
	Alg    string // HS256/HS384/HS512
	Issuer string
	TTL    time.Duration
}

// JWTVerifier validates HMAC-signed JWTs whose subject is the user id and
// rejects users that are not active.
type JWTVerifier struct {
	opts  Options
	users UserSource
}

// NewJWTVerifier constructs a JWTVerifier.
func NewJWTVerifier(opts Options, users UserSource) (*JWTVerifier, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("auth: empty signing secret")
	}
	if _, err := signingMethod(opts.Alg); err != nil {
		return nil, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	return &JWTVerifier{opts: opts, users: users}, nil
}

// Verify checks the token signature and expiry, then the account status.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (int64, error) {
	ctx, span := otel.Tracer("chat-realtime/auth").Start(ctx, "auth.verify")
	defer span.End()

	token = strings.TrimSpace(token)
	if token == "" {
		return 0, ErrUnauthenticated
	}

	parserOpts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg(), jwtlib.SigningMethodHS384.Alg(), jwtlib.SigningMethodHS512.Alg()}),
		jwtlib.WithExpirationRequired(),
	}
	if v.opts.Issuer != "" {
		parserOpts = append(parserOpts, jwtlib.WithIssuer(v.opts.Issuer))
	}

	var claims jwtlib.RegisteredClaims
	parsed, err := jwtlib.ParseWithClaims(token, &claims, func(t *jwtlib.Token) (interface{}, error) {
		return v.opts.Secret, nil
	}, parserOpts...)
	if err != nil || !parsed.Valid {
		return 0, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("%w: invalid subject", ErrUnauthenticated)
	}

	if v.users == nil {
		return userID, nil
	}
	user, err := v.users.GetUser(ctx, userID)
	if errors.Is(err, repositories.ErrUserNotFound) {
		return 0, fmt.Errorf("%w: unknown user", ErrUnauthenticated)
	}
	if err != nil {
		return 0, fmt.Errorf("auth: load user: %w", err)
	}
	if user.Status != models.UserStatusActive {
		return 0, ErrUserInactive
	}
	return userID, nil
}

// Issue signs a token for userID. Used by tooling and tests; token issuance
// for end users belongs to the identity service.
func (v *JWTVerifier) Issue(userID int64, ttl time.Duration) (string, error) {
	method, err := signingMethod(v.opts.Alg)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = v.opts.TTL
	}
	now := time.Now()
	claims := jwtlib.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		Issuer:    v.opts.Issuer,
		IssuedAt:  jwtlib.NewNumericDate(now),
		NotBefore: jwtlib.NewNumericDate(now),
		ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
	}
	return jwtlib.NewWithClaims(method, claims).SignedString(v.opts.Secret)
}

// TokenFromRequest reads the bearer token from the Authorization header or,
// for browser sockets that cannot set headers, the token query parameter.
func TokenFromRequest(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("auth: unsupported alg %s (use HS256/HS384/HS512)", alg)
	}
}
