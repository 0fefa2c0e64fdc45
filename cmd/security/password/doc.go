// Package password hashes and verifies Parley account passwords with Argon2id.
//
// Hashes use the PHC string format. Stored hashes are treated as untrusted input
// during Verify: parameters far above the configured cost are refused.
package password
