// Package jwt decides whether an access token can still be attached to a call
// (Evaluator) and mints tokens for the in-process auth server (Manager).
//
// The Evaluator fails closed: any token whose exp claim cannot be decoded is
// reported as ErrTokenMalformed and is never usable.
package jwt
