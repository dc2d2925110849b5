package auth

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"PPGateway/service/directory"
	"PPGateway/service/metrics"
	"PPGateway/tools/errs"
	"PPGateway/tools/security"
)

// 凭证来源的 key
const (
	QueryToken  = "token"
	HeaderToken = "authorization"
)

// Authenticator turns a bearer credential into a directory user. Every
// failure surfaces as ErrAuthenticationFailed; the failing step only goes to
// the log.
type Authenticator struct {
	opts    security.Options
	users   directory.UserLookup
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(opts security.Options, users directory.UserLookup, log *zap.Logger, m *metrics.Metrics) *Authenticator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Authenticator{opts: opts, users: users, log: log, metrics: m}
}

func (a *Authenticator) Authenticate(ctx context.Context, credential, remoteAddr string) (*directory.User, error) {
	u, step, err := a.authenticate(ctx, credential)
	if err != nil {
		a.metrics.Auth(false)
		a.log.Warn("authentication failed",
			zap.String("step", step), zap.String("remote_addr", remoteAddr), zap.Error(err))
		return nil, errs.Wrap(errs.ErrAuthenticationFailed, err, step)
	}
	a.metrics.Auth(true)
	a.log.Debug("authenticated", zap.String("user_id", u.ID), zap.String("remote_addr", remoteAddr))
	return u, nil
}

func (a *Authenticator) authenticate(ctx context.Context, credential string) (*directory.User, string, error) {
	credential = stripBearer(strings.TrimSpace(credential))
	claims, err := security.Verify(a.opts, credential)
	if err != nil {
		return nil, "verify", err
	}
	sub, err := claims.Subject()
	if err != nil {
		return nil, "subject", err
	}
	u, err := a.users.LookupUser(ctx, sub)
	if err != nil {
		return nil, "lookup", err
	}
	if u == nil {
		return nil, "lookup", errs.ErrNotFound.WrapMsg("user not found", "user_id", sub)
	}
	return u, "", nil
}

// ExtractCredential reads the handshake credential: the token query field,
// then the authorization header, then Authorization: Bearer.
func ExtractCredential(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get(QueryToken)); t != "" {
		return t
	}
	if t := strings.TrimSpace(r.Header.Get(HeaderToken)); t != "" {
		return stripBearer(t)
	}
	return ""
}

// 兼容 Bearer xxx
func stripBearer(s string) string {
	if len(s) > 7 && strings.EqualFold(s[:7], "bearer ") {
		return strings.TrimSpace(s[7:])
	}
	return s
}
