// Package jwt issues and verifies identity-platform ID tokens.
//
// The in-process platform signs tokens with HS256 or Ed25519. The REST
// client verifies tokens against configured keys (RS256 PEM keys for hosted
// projects) or, for the local emulator which issues unsigned tokens, decodes
// them without verification when [MethodUnverified] is selected.
package jwt
