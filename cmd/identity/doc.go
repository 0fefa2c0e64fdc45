// Package identity implements Parley's user accounts.
//
// It owns the user record (username, email, avatar), password credentials,
// and the stores used by the HTTP auth/settings layer and by the realtime gateway
// to resolve the public projection of a user.
package identity
