package security

import (
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Options 控制签名与TTL等参数。
type Options struct {
	Secret []byte        // HMAC 密钥（生产用ENV/KMS）
	Alg    string        // HS256/HS384/HS512（默认 HS256）
	TTL    time.Duration // 令牌有效期（默认 2h）
	Leeway time.Duration // 校验 exp/nbf 时允许的时钟偏差
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

// subjectClaims are tried in order when resolving the token subject.
var subjectClaims = []string{"sub", "userId", "id"}

var (
	ErrEmptyToken   = errors.New("empty token")
	ErrNoSubject    = errors.New("token has no subject")
	ErrEmptySecret  = errors.New("jwt secret is empty")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is a verified token.
type Claims struct {
	jwtlib.MapClaims
}

// Subject returns the user id the token was issued for.
func (c *Claims) Subject() (string, error) {
	for _, k := range subjectClaims {
		v, ok := c.MapClaims[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t = strings.TrimSpace(t); t != "" {
				return t, nil
			}
		case float64:
			return fmt.Sprintf("%.0f", t), nil
		}
	}
	return "", ErrNoSubject
}

// Generate issues a signed token for userID. extra claims are merged in and
// may not override the registered ones.
func Generate(opts Options, userID string, extra map[string]any) (token string, expireAt time.Time, err error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if len(opts.Secret) == 0 {
		return "", time.Time{}, ErrEmptySecret
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	now := time.Now()
	exp := now.Add(opts.TTL)

	claims := jwtlib.MapClaims{}
	for k, v := range extra {
		claims[k] = v
	}
	claims["sub"] = userID
	claims["iat"] = now.Unix()
	claims["nbf"] = now.Unix()
	claims["exp"] = exp.Unix()

	signed, err := jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "sign token")
	}
	return signed, exp, nil
}

// Verify checks signature and expiry. Only the HMAC family is accepted.
func Verify(opts Options, token string) (*Claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrEmptyToken
	}
	if len(opts.Secret) == 0 {
		return nil, ErrEmptySecret
	}
	if _, err := signingMethod(opts.Alg); err != nil {
		return nil, err
	}
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		// 仅允许 HMAC 家族
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return opts.Secret, nil
	}, jwtlib.WithLeeway(opts.Leeway), jwtlib.WithExpirationRequired())
	if err != nil {
		return nil, errors.Wrap(err, "parse token")
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, errors.New("claims type mismatch")
	}
	return &Claims{claims}, nil
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
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
