// Package password hashes account secrets with Argon2id for the in-process
// identity provider.
//
// Hashes use the PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Verify reads its cost parameters from the stored hash, so raising the
// configured costs only affects new hashes; NeedsUpgrade tells the caller
// when to re-hash.
package password
