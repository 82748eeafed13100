// Package auth guards the admin API with HS256 bearer tokens.
//
// Tokens carry the operator's name in "sub" and an expiry. They are minted by
// `topic-relay token` with the same secret configured under auth.jwt_secret.
//
// # HTTP Middleware
//
//	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
//	mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier)(apiHandler))
//
// Handlers read the caller with SubjectFromContext.
package auth
