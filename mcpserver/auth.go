package mcpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mbland/ses-ai-forwarder/configstore"
	"github.com/rs/zerolog"
)

const bearerScheme = "bearer "

// apiKeyFromHeaders extracts a token from "Authorization: Bearer <token>",
// falling back to X-API-Key. Header names are canonicalized by http.Header;
// the scheme is matched case-insensitively.
func apiKeyFromHeaders(h http.Header) string {
	auth := strings.TrimSpace(h.Get("Authorization"))
	if len(auth) > len(bearerScheme) &&
		strings.EqualFold(auth[:len(bearerScheme)], bearerScheme) {
		return strings.TrimSpace(auth[len(bearerScheme):])
	}
	return strings.TrimSpace(h.Get("X-API-Key"))
}

// authenticate resolves the caller's key record. Any failure is an
// unauthorized error; the cause is logged but never returned to the caller.
func (s *Server) authenticate(
	ctx context.Context, log zerolog.Logger, h http.Header,
) (*configstore.APIKeyRecord, *Error) {
	token := apiKeyFromHeaders(h)
	if token == "" {
		return nil, newError(CodeUnauthorized, "missing API key")
	}

	keyHash := configstore.HashAPIKey(token)
	log = log.With().Str("key_hash", keyHash[:12]).Logger()
	lookupCtx, cancel := s.storeContext(ctx)
	rec, err := s.Store.APIKey(lookupCtx, keyHash)
	cancel()

	if errors.Is(err, configstore.ErrNotFound) {
		log.Warn().Msg("unknown API key")
		return nil, newError(CodeUnauthorized, "invalid API key")
	} else if err != nil {
		log.Error().Err(err).Msg("API key lookup failed")
		return nil, newError(CodeUnauthorized, "invalid API key")
	} else if !rec.Usable(s.now()) {
		log.Warn().
			Str("key_name", rec.KeyName).
			Bool("active", rec.IsActive).
			Msg("inactive or expired API key")
		return nil, newError(CodeUnauthorized, "invalid API key")
	}
	return rec, nil
}

// touch records key usage. Failures never fail the request.
func (s *Server) touch(
	ctx context.Context, log zerolog.Logger, rec *configstore.APIKeyRecord,
) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	if err := s.Store.TouchAPIKey(ctx, rec.KeyHash); err != nil {
		log.Warn().
			Err(err).
			Str("key_name", rec.KeyName).
			Msg("failed to update API key last_used_at")
	}
}
