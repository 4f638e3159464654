// Package database owns the PostgreSQL connection pools, the schema
// migrations and the small transaction helpers shared by the domain
// packages.
//
//	cm, err := database.Connect(ctx, cfg.Database, logger)
//	if err := database.RunMigrations(ctx, cm.Primary(), logger); err != nil { ... }
//
//	err = database.WithTx(ctx, cm.Primary(), func(tx *sql.Tx) error {
//	    locked, err := assignment.Lock(ctx, tx, orderID)
//	    ...
//	})
package database
