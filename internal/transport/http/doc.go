// Package http contains the HTTP handlers for the license API. The
// handlers are thin: request binding and validation, a call into the
// service layer, and a JSON response rendered with go-chi/render.
// Errors surface as RFC 7807 problem details.
package http
