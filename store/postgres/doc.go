// Package postgres persists profiles in PostgreSQL through pgx.
//
// The schema ships embedded; run [Migrate] before first use:
//
//	if err := postgres.Migrate(databaseURL); err != nil {
//		return err
//	}
//	pool, err := pgxpool.New(ctx, databaseURL)
//	...
//	profiles := postgres.New(pool)
package postgres
