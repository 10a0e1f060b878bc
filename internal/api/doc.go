// Package api hosts the HTTP handlers that front the coursecast REST API.
//
// The handlers assembled by Handler coordinate request validation, session
// awareness, and response shaping while delegating persistence to
// storage.Repository implementations, blob access to blob.Store, and
// background work to queue.Manager, all injected at construction time. The
// package does not reach for globals or singletons and expects callers to
// supply fully configured dependencies.
//
// Handler implementations assume upstream middleware from internal/server has
// already attached the authenticated user to the request context and handled
// logging and CORS concerns.
package api
