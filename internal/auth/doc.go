// Package auth provides authentication for the autofilter-gateway admin API.
//
// # JWT Tokens
//
// Operators authenticate with HS256 JWTs signed with auth.jwt_secret. A
// token carries the operator name in "sub" and a "role" claim:
//
//   - "admin": may read and change group settings and premium plans
//   - "viewer": read-only access to groups, users and stats
//
// Tokens are minted with the CLI:
//
//	autofilter-gateway token --sub alice --role admin --ttl 720h
//
// # HTTP Middleware
//
//	HTTPAuthMiddleware(verifier, logger) // validates the bearer token
//	RequireAdminHTTP()                   // rejects non-admin operators
//
// When no secret is configured the middleware is built with a nil verifier
// and every request is treated as admin. Only do that on a private listener
// such as a tailnet.
package auth
