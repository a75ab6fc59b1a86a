// Package store persists the last published version of every plugin so that
// a restarted engine comes back with the same plugin set.
//
// Bytecode lives in a content-addressed BlobStore (local filesystem or S3) and
// the metadata row lives in a StateStore backed by database/sql. Publish
// always writes the blob before committing the row, so a crash at any point
// leaves the previous row pointing at a blob that still exists.
//
//	durable, err := store.Open(ctx, store.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer durable.Close()
//
//	err = durable.Publish(ctx, record, bytecode)
//	restored, err := durable.Restore(ctx)
//
// Supported SQL drivers are sqlite3, postgres, and mysql.
package store
