// Package auth resolves the participant identity behind a request.
//
// Authentication policy is not decided here: the gateway consumes an identity
// that has already been established, in one of two ways.
//
//   - JWT tokens: when auth.jwt_secret is configured, callers present an HS256
//     token whose "sub" claim is the participant id and whose optional "name"
//     claim is the display name. The token is read from the Authorization
//     header or, for browser websocket clients, the ?token= query parameter.
//
//   - Trusted headers: without a secret, the gateway is assumed to sit behind
//     a proxy that authenticated the caller and forwards X-Participant-Id and
//     X-Participant-Name (or ?participant_id= and ?display_name=).
//
// The resolved Identity is attached to the request context:
//
//	res := auth.NewResolver(verifier)
//	router.Handle("/ws", res.Middleware(wsHandler))
//
//	id := auth.MustFromContext(r.Context())
package auth
