// Package password implements Argon2id password hashing for the in-process
// identity platform.
//
// # Output format
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// [Argon2.NeedsUpgrade] reports hashes produced with weaker parameters so the
// caller can rehash on the next successful sign-in.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords.
//   - Log plaintext passwords.
package password
