package booking

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/session"
)

func verifiedTokenKey(fingerprint string) string { return "token:" + fingerprint }

// Identify returns the caller's user id. Claims of a session that is not
// yet trusted only count once the backend accepted the token; accepted
// tokens are remembered by fingerprint for CacheTTL so reads stay cheap.
// A token the backend rejects yields its 401 APIError.
func (s *Service) Identify(ctx context.Context, sess *session.Session) (string, error) {
	if sess == nil {
		return "", ErrNoUser
	}
	uid, err := sess.UserID()
	if errors.Is(err, session.ErrUnverified) {
		uid, err = s.verify(ctx, sess)
	}
	if err != nil {
		var apiErr *models.APIError
		if errors.As(err, &apiErr) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrNoUser, err)
	}
	if uid == "" {
		return "", ErrNoUser
	}
	return uid, nil
}

func (s *Service) verify(ctx context.Context, sess *session.Session) (string, error) {
	key := verifiedTokenKey(sess.Fingerprint())
	var known string
	if !sess.ExpiresWithin(0) && s.lookup(ctx, key, &known) && known != "" {
		sess.MarkTrusted()
		return sess.UserID()
	}

	err := s.backend.VerifyToken(ctx, sess)
	var apiErr *models.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized && sess.RefreshToken() != "" {
		// An expired access token is rejected too; a refresh yields a
		// backend-issued, trusted one.
		if rerr := s.backend.RefreshToken(ctx, sess); rerr != nil {
			s.log.Info("token refresh during identify failed", zap.Error(rerr))
			return "", err
		}
		return sess.UserID()
	}
	if err != nil {
		return "", err
	}
	uid, err := sess.UserID()
	if err != nil {
		return "", err
	}
	s.store(ctx, key, uid)
	return uid, nil
}
