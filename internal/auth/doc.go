// Package auth protects the operational HTTP API with JWT bearer tokens.
//
// Tokens are HS256-signed with the configured auth.jwt_secret, carry the
// operator's name in "sub" and the gateway as issuer. They are minted by
// the "token" subcommand:
//
//	reciprocity-gateway token --sub alice --ttl 24h
//
// Middleware verifies the Authorization header and stores the operator name
// in the request context, where OperatorFrom retrieves it.
package auth
