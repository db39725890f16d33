// Package directory resolves the device identities behind a username.
//
// One user may have many devices, and a message must reach all of them.
// The directory answers "all devices of user X" from the local encrypted
// cache first, falling back to the transport's device registry for users
// it has never seen; fetched identities are cached for next time. Cached
// copies are never authoritative; the verified registration record each
// device publishes is.
//
// The directory is also the verification counterpart of the group trust
// protocol: given a signed blob and the username that claims to have
// signed it, it checks the signature against every known device of that
// user and accepts on the first match.
package directory
