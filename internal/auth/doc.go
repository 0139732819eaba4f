// Package auth provides bearer-token authentication for the hub's HTTP API
// and agent stream endpoint, using HS256 signed JWTs.
package auth
