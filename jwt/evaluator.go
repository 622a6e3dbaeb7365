package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultMargin is the safety margin applied when callers do not configure one.
const DefaultMargin = 5 * time.Second

// ErrTokenMalformed is returned when the expiry of a token cannot be decoded
// (or, with verification enabled, when its signature does not verify).
var ErrTokenMalformed = errors.New("token malformed")

// EvaluatorConfig configures an [Evaluator]. The zero value decodes the exp
// claim without verifying signatures, which is what a browser-style client
// does: it cannot hold the issuer's keys.
type EvaluatorConfig struct {
	SigningMethod SigningMethod
	// Key is the HS256 secret or the Ed25519 public key.
	Key []byte
	// VerifyKeys maps kid to key and takes precedence over Key.
	VerifyKeys map[string][]byte
}

// Evaluator decides whether an access token is still usable.
//
// Evaluator is immutable after construction and safe for concurrent use.
type Evaluator struct {
	verify     bool
	method     SigningMethod
	key        []byte
	verifyKeys map[string][]byte
	now        func() time.Time
}

// NewEvaluator builds an Evaluator. Key material is validated eagerly.
func NewEvaluator(cfg EvaluatorConfig) (*Evaluator, error) {
	e := &Evaluator{now: time.Now}
	if cfg.SigningMethod == "" {
		if len(cfg.Key) > 0 || len(cfg.VerifyKeys) > 0 {
			return nil, errors.New("verification keys require a signing method")
		}
		return e, nil
	}

	switch cfg.SigningMethod {
	case MethodHS256, MethodEd25519:
	default:
		return nil, errors.New("unsupported signing method")
	}
	if len(cfg.Key) == 0 && len(cfg.VerifyKeys) == 0 {
		return nil, fmt.Errorf("%s verification requires a key or verify key set", cfg.SigningMethod)
	}
	if len(cfg.Key) > 0 {
		if _, err := keyBytesToVerifyKey(cfg.SigningMethod, cfg.Key); err != nil {
			return nil, err
		}
	}
	keys := make(map[string][]byte, len(cfg.VerifyKeys))
	for kid, key := range cfg.VerifyKeys {
		if strings.TrimSpace(kid) == "" {
			return nil, errors.New("verify key map contains empty kid")
		}
		if _, err := keyBytesToVerifyKey(cfg.SigningMethod, key); err != nil {
			return nil, fmt.Errorf("invalid verify key for kid %q: %w", kid, err)
		}
		keys[kid] = append([]byte(nil), key...)
	}

	e.verify = true
	e.method = cfg.SigningMethod
	e.key = append([]byte(nil), cfg.Key...)
	e.verifyKeys = keys
	return e, nil
}

// WithClock replaces the evaluator's time source. Intended for tests.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	if now != nil {
		e.now = now
	}
	return e
}

// Expiry returns the exp claim of token. Every decoding failure, including a
// missing exp claim, is reported as ErrTokenMalformed.
func (e *Evaluator) Expiry(token string) (time.Time, error) {
	if token == "" {
		return time.Time{}, fmt.Errorf("%w: empty token", ErrTokenMalformed)
	}

	claims := &jwt.RegisteredClaims{}
	var err error
	if e.verify {
		parser := jwt.NewParser(
			jwt.WithValidMethods([]string{methodFor(e.method).Alg()}),
			jwt.WithoutClaimsValidation(),
		)
		_, err = parser.ParseWithClaims(token, claims, e.keyFunc)
	} else {
		_, _, err = jwt.NewParser().ParseUnverified(token, claims)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("%w: missing exp claim", ErrTokenMalformed)
	}
	return claims.ExpiresAt.Time, nil
}

// IsUsable reports whether more than margin remains before token expires.
// Malformed tokens are never usable. A negative margin is treated as zero.
func (e *Evaluator) IsUsable(token string, margin time.Duration) bool {
	exp, err := e.Expiry(token)
	if err != nil {
		return false
	}
	if margin < 0 {
		margin = 0
	}
	return e.now().Before(exp.Add(-margin))
}

// Remaining returns the time left before token expires; negative once expired.
func (e *Evaluator) Remaining(token string) (time.Duration, error) {
	exp, err := e.Expiry(token)
	if err != nil {
		return 0, err
	}
	return exp.Sub(e.now()), nil
}

func (e *Evaluator) keyFunc(t *jwt.Token) (interface{}, error) {
	if t.Method.Alg() != methodFor(e.method).Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
	}
	if len(e.verifyKeys) > 0 {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		key, ok := e.verifyKeys[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return keyBytesToVerifyKey(e.method, key)
	}
	return keyBytesToVerifyKey(e.method, e.key)
}
