// Package auth implements the token service (C2): verifying and signing
// the bearer tokens clients present during #handshake/#authenticate, and
// distinguishing TokenExpired / TokenMalformed / TokenInvalid failures so
// the caller can decide how to surface each one.
package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// FailureKind names the three verification failure kinds the core
// distinguishes (spec §4.2).
type FailureKind string

const (
	FailureExpired   FailureKind = "TokenExpired"
	FailureMalformed FailureKind = "TokenMalformed"
	FailureInvalid   FailureKind = "TokenInvalid"
)

// VerifyError wraps a token verification failure with its classified
// kind, so callers can attach {name, message} to a handshake reply
// without re-inspecting the underlying jwt error.
type VerifyError struct {
	Kind    FailureKind
	Message string
	Cause   error
}

func (e *VerifyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *VerifyError) Unwrap() error { return e.Cause }

// Token is the decoded payload. Per spec §3, exp is the only field the
// core inspects; Claims carries everything else the caller signed in, as
// raw key/value pairs so the core need not know the application's shape.
type Token struct {
	Exp    *int64
	Claims map[string]any
}

// Expired reports whether the token's exp claim (seconds since epoch) has
// passed relative to now.
func (t Token) Expired(now time.Time) bool {
	if t.Exp == nil {
		return false
	}
	return *t.Exp*1000 < now.UnixMilli()
}

// Algorithm names a supported signing algorithm.
type Algorithm string

const (
	AlgHS256 Algorithm = "HS256"
	AlgRS256 Algorithm = "RS256"
	AlgES256 Algorithm = "ES256"
)

// SignOptions controls Service.Sign.
type SignOptions struct {
	Algorithm     Algorithm
	ExpirySeconds int64 // 0 means no expiry claim is added
}

// VerifyOptions controls Service.Verify.
type VerifyOptions struct {
	AllowedAlgorithms []Algorithm
}

// Service signs and verifies bearer tokens using either a symmetric key
// (HMAC) or an asymmetric key pair (RSA/ECDSA), matching the
// authKey / authPrivateKey+authPublicKey configuration split in spec §6.
type Service struct {
	symmetricKey []byte
	privateKey   any // *rsa.PrivateKey or *ecdsa.PrivateKey
	publicKey    any // *rsa.PublicKey or *ecdsa.PublicKey
}

// NewSymmetric builds a Service around a shared HMAC signing key.
func NewSymmetric(key []byte) *Service {
	return &Service{symmetricKey: key}
}

// NewAsymmetric builds a Service around an RSA or ECDSA key pair. Both
// keys must be non-nil; callers are expected to have already enforced the
// "must be specified together" construction rule (AuthKeyConfigError).
func NewAsymmetric(privateKey, publicKey any) *Service {
	return &Service{privateKey: privateKey, publicKey: publicKey}
}

func (s *Service) signingMethod(alg Algorithm) (jwt.SigningMethod, error) {
	switch alg {
	case AlgHS256, "":
		return jwt.SigningMethodHS256, nil
	case AlgRS256:
		return jwt.SigningMethodRS256, nil
	case AlgES256:
		return jwt.SigningMethodES256, nil
	default:
		return nil, fmt.Errorf("auth: unsupported algorithm %q", alg)
	}
}

func (s *Service) signingKey(alg Algorithm) (any, error) {
	switch alg {
	case AlgHS256, "":
		if s.symmetricKey == nil {
			return nil, errors.New("auth: no symmetric signing key configured")
		}
		return s.symmetricKey, nil
	default:
		if s.privateKey == nil {
			return nil, errors.New("auth: no private signing key configured")
		}
		return s.privateKey, nil
	}
}

func (s *Service) verifyKey(method jwt.SigningMethod) (any, error) {
	switch method.Alg() {
	case "HS256", "HS384", "HS512":
		if s.symmetricKey == nil {
			return nil, errors.New("auth: no symmetric verification key configured")
		}
		return s.symmetricKey, nil
	default:
		if s.publicKey == nil {
			return nil, errors.New("auth: no public verification key configured")
		}
		return s.publicKey, nil
	}
}

// Sign encodes payload's claims into a signed token string.
func (s *Service) Sign(payload map[string]any, opts SignOptions) (string, error) {
	method, err := s.signingMethod(opts.Algorithm)
	if err != nil {
		return "", err
	}
	key, err := s.signingKey(opts.Algorithm)
	if err != nil {
		return "", err
	}

	claims := jwt.MapClaims{}
	for k, v := range payload {
		claims[k] = v
	}
	if opts.ExpirySeconds > 0 {
		if _, hasExp := claims["exp"]; !hasExp {
			claims["exp"] = time.Now().Add(time.Duration(opts.ExpirySeconds) * time.Second).Unix()
		}
	}

	token := jwt.NewWithClaims(method, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify decodes and validates a signed token string, returning a
// classified VerifyError when validation fails.
func (s *Service) Verify(signed string, opts VerifyOptions) (Token, error) {
	claims := jwt.MapClaims{}

	allowed := allowedAlgNames(opts.AllowedAlgorithms)
	token, err := jwt.ParseWithClaims(signed, &claims, func(t *jwt.Token) (any, error) {
		if len(allowed) > 0 && !allowed[t.Method.Alg()] {
			return nil, fmt.Errorf("auth: algorithm %q not allowed", t.Method.Alg())
		}
		return s.verifyKey(t.Method)
	})

	if err != nil {
		return Token{}, classify(err)
	}
	if !token.Valid {
		return Token{}, &VerifyError{Kind: FailureInvalid, Message: "token failed validation"}
	}

	return toToken(claims), nil
}

func toToken(claims jwt.MapClaims) Token {
	out := Token{Claims: map[string]any{}}
	for k, v := range claims {
		out.Claims[k] = v
		if k == "exp" {
			if exp, ok := numericExp(v); ok {
				out.Exp = &exp
			}
		}
	}
	return out
}

func numericExp(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case jwt.NumericDate:
		return n.Unix(), true
	default:
		return 0, false
	}
}

func allowedAlgNames(algs []Algorithm) map[string]bool {
	if len(algs) == 0 {
		return nil
	}
	out := make(map[string]bool, len(algs))
	for _, a := range algs {
		out[string(a)] = true
	}
	return out
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return &VerifyError{Kind: FailureExpired, Message: "token has expired", Cause: err}
	case errors.Is(err, jwt.ErrTokenMalformed):
		return &VerifyError{Kind: FailureMalformed, Message: "token is malformed", Cause: err}
	default:
		return &VerifyError{Kind: FailureInvalid, Message: "token is invalid", Cause: err}
	}
}

// GenerateSymmetricKey produces a fresh random HMAC key, used when
// Options.AuthKey is unset and no asymmetric keys were given (spec §6:
// "auto-generated 32 random bytes hex").
func GenerateSymmetricKey(randSource func([]byte) (int, error)) ([]byte, error) {
	buf := make([]byte, 32)
	if _, err := randSource(buf); err != nil {
		return nil, fmt.Errorf("auth: generate signing key: %w", err)
	}
	return []byte(hex.EncodeToString(buf)), nil
}
