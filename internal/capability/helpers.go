// Package capability provides the host capabilities code bodies reach
// through the sandbox: helper functions, error constructors and the log book.
package capability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/itchyny/gojq"
	"golang.org/x/crypto/bcrypt"

	"github.com/jkaninda/hookd/internal/sandbox"
)

const defaultTokenTTL = 24 * time.Hour

// HelperConfig configures the helper set.
type HelperConfig struct {
	// JWTSecret signs and verifies tokens. Empty disables the token helpers.
	JWTSecret string
	// TokenTTL is the lifetime of signed tokens. Zero = 24h.
	TokenTTL time.Duration
	// BcryptCost is the hashing cost. Zero = bcrypt.DefaultCost.
	BcryptCost int
	// Now is the clock. Nil = time.Now.
	Now func() time.Time
}

// Helpers returns the helper functions exposed to code as $helpers.
// The map is safe to share between executions.
func Helpers(cfg HelperConfig) map[string]sandbox.Func {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	h := &helpers{cfg: cfg}

	out := map[string]sandbox.Func{
		"uuid":            h.uuid,
		"now":             h.now,
		"hashPassword":    h.hashPassword,
		"comparePassword": h.comparePassword,
		"jq":              h.jq,
	}
	if cfg.JWTSecret != "" {
		out["signToken"] = h.signToken
		out["verifyToken"] = h.verifyToken
	}
	return out
}

type helpers struct {
	cfg HelperConfig
}

func (h *helpers) uuid(context.Context, []any) (any, error) {
	return uuid.NewString(), nil
}

func (h *helpers) now(context.Context, []any) (any, error) {
	return h.cfg.Now().UTC().Format(time.RFC3339Nano), nil
}

func (h *helpers) hashPassword(_ context.Context, args []any) (any, error) {
	password, err := stringArg(args, 0, "password")
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

func (h *helpers) comparePassword(_ context.Context, args []any) (any, error) {
	hash, err := stringArg(args, 0, "hash")
	if err != nil {
		return nil, err
	}
	password, err := stringArg(args, 1, "password")
	if err != nil {
		return nil, err
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil, nil
}

// signToken signs claims (an object) as an HS256 token. An optional second
// argument overrides the lifetime in seconds.
func (h *helpers) signToken(_ context.Context, args []any) (any, error) {
	claims := jwt.MapClaims{}
	if len(args) > 0 && args[0] != nil {
		m, ok := args[0].(map[string]any)
		if !ok {
			return nil, sandbox.NewScriptError(http.StatusBadRequest, "claims must be an object")
		}
		for k, v := range m {
			claims[k] = v
		}
	}
	ttl := h.cfg.TokenTTL
	if len(args) > 1 {
		if secs, ok := args[1].(float64); ok && secs > 0 {
			ttl = time.Duration(secs * float64(time.Second))
		}
	}
	now := h.cfg.Now()
	claims["iat"] = jwt.NewNumericDate(now)
	claims["exp"] = jwt.NewNumericDate(now.Add(ttl))

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(h.cfg.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// verifyToken returns the claims of a valid token. Any failure is a 401
// the code can catch.
func (h *helpers) verifyToken(_ context.Context, args []any) (any, error) {
	raw, err := stringArg(args, 0, "token")
	if err != nil {
		return nil, err
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(h.cfg.JWTSecret), nil
	}, jwt.WithTimeFunc(h.cfg.Now))
	if err != nil || !token.Valid {
		se := sandbox.NewScriptError(http.StatusUnauthorized, "invalid token")
		if errors.Is(err, jwt.ErrTokenExpired) {
			se.Message = "token expired"
		}
		return nil, se
	}
	return map[string]any(claims), nil
}

// jq runs a jq query over input and returns every result.
func (h *helpers) jq(ctx context.Context, args []any) (any, error) {
	query, err := stringArg(args, 0, "query")
	if err != nil {
		return nil, err
	}
	var input any
	if len(args) > 1 {
		input = args[1]
	}
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, sandbox.NewScriptError(http.StatusBadRequest, fmt.Sprintf("invalid jq query: %v", err))
	}

	results := []any{}
	iter := parsed.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, sandbox.NewScriptError(http.StatusBadRequest, fmt.Sprintf("jq error: %v", err))
		}
		results = append(results, v)
	}
	return results, nil
}

func stringArg(args []any, i int, name string) (string, error) {
	if i < len(args) {
		if s, ok := args[i].(string); ok {
			return s, nil
		}
	}
	return "", sandbox.NewScriptError(http.StatusBadRequest, name+" must be a string")
}
