// Package records reads per-user preference records from the hosted
// real-time database. It only fetches; records are written elsewhere.
package records
