/*
Package database opens GORM connections for the durable checkpoint backends
and manages the underlying connection pool.

Open selects the dialector from the configured driver name: sqlite (pure Go,
the single-node default), postgres, or mysql. PoolManager wraps the gorm.DB
with pool sizing, background health checks, and transaction helpers.
*/
package database
