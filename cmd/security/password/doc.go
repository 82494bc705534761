// Package password hashes and verifies account passwords with Argon2id.
//
// Hashes use the PHC string layout
// ($argon2id$v=19$m=<KiB>,t=<iterations>,p=<lanes>$<salt>$<key>) so they can be
// stored in a single TEXT column. Encoded hashes are treated as untrusted input
// on Verify: parameters far above the configured cost are rejected.
package password
