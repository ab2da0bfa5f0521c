// Package storage provides the SQLite run ledger.
//
// The ledger records what the pipeline did so a long batch can be inspected
// while it runs and after it finishes:
//   - batches: one row per command invocation, keyed by a UUID
//   - runs: one row per optimization run with its state machine position,
//     optimum camera length, fit quality and final geometry
//   - candidates: one row per scan candidate with its job and statistics
//   - jobs: indexing, merging and custom-split submissions
//
// # Basic Usage
//
//	ledger, err := storage.NewSQLiteStorage("sfxflow.db")
//	if err != nil {
//	    return err
//	}
//	defer ledger.Close()
//
//	batch := &storage.Batch{Kind: storage.BatchOptimize}
//	if err := ledger.CreateBatch(ctx, batch); err != nil {
//	    return err
//	}
//	run := &storage.Run{BatchID: batch.ID, RunNumber: 8, WorkDir: dir}
//	err = ledger.CreateRun(ctx, run)
//
// # Transactions
//
//	tx, err := ledger.BeginTx(ctx)
//	if err != nil {
//	    return err
//	}
//	defer tx.Rollback()
//	// ... tx.UpsertCandidate(ctx, c) for each candidate
//	return tx.Commit()
//
// # Statistics
//
// Candidate statistics are stored as nullable REAL columns. NaN (too few
// indexed crystals) is written as NULL and read back as NaN.
//
// # Build Modes
//
// The default build uses modernc.org/sqlite and needs no C compiler. Building
// with -tags sqlite_cgo switches to github.com/mattn/go-sqlite3. BuildMode
// reports which driver is linked.
//
// # Migrations
//
// Schema versions are semantic versions tracked in schema_version.
// ApplyMigrations runs every migration newer than the highest applied one;
// RollbackMigration undoes the newest.
package storage
