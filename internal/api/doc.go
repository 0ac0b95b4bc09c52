// Package api exposes the plugin administration REST interface on chi and
// mounts the routes contributed by active plugins under /ext. Admin routes
// sit behind the token middleware from internal/auth; errors are rendered
// through the shared error codes of internal/errors.
package api
