// Package httpserver contains the HTTP API used by the player to request generated tracks.
// It includes a collection of middlewares and utilities for returning JSON-formatted responses and errors.
package httpserver

const (
	HeaderXHostID     = "X-Host-Id"
	HeaderXRequestID  = "X-Request-Id"
	HeaderContentType = "Content-Type"
	ContentTypeJson   = "application/json; charset=utf-8"
)
