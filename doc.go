// Package auth provides identity, session and role primitives for a campus
// platform (JWT issuance, refresh token rotation, role checks, HTTP helpers).
//
// Identities and profiles:
//   - CredentialStore owns identities: normalized unique emails, bcrypt hashes
//     computed on a bounded HashPool, and a login lockout after repeated
//     failures.
//   - ProfileProvisioner validates and stores the role profile (student,
//     teacher, parent). Register runs identity and profile inserts in a single
//     transaction so neither exists without the other.
//
// Sessions:
//   - TokenService signs short lived HS256 access tokens and verifies them
//     without I/O. Retired signing keys can be kept for verification through
//     MultiTokenValidator.
//   - SessionRefresher rotates opaque refresh tokens. Only a hash is stored,
//     each token is consumed once, and reuse past the grace period revokes the
//     whole session lineage. Stores exist for SQL (bun) and redis.
//
// Roles:
//   - RoleGate is the single place role checks happen. RouteAuthenticator
//     exposes it as fiber middleware and WriteError maps failures to the JSON
//     error envelope.
//
// Activity sinks:
//   - ActivitySink receives register, login, refresh reuse, logout and password
//     change events. Sinks run best-effort (errors are logged) so you can
//     forward to a database or queue without blocking authentication.
package auth
