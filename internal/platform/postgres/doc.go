// Package postgres implements the job state store on PostgreSQL through the
// pgx database/sql driver, and applies the schema with goose.
package postgres
