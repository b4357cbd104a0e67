// Package sqlstore provides the SQL persistence layer shared by the task
// store and the observation results database. It opens SQLite (pure Go
// driver) or MySQL connection pools, applies the embedded schema migrations
// and exposes typed queries over processed observations.
package sqlstore
