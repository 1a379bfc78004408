// Package registry implements the lots and assets API clients used by the
// concierge engine.
//
// Both APIs share one shape: a resource lives at {url}/api/{version}/{collection}/{id},
// and request and response bodies are wrapped in a {"data": ...} envelope.
// Failures are returned as *engine.ResourceError:
//
//	404      -> not_found
//	403      -> forbidden
//	422      -> unprocessable
//	other    -> request_failed (status 0 for transport errors)
//	bad body -> invalid_response
package registry
