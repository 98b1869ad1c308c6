// Package s3 provides an Amazon S3 replica.Target.
//
// # Usage
//
//	store, err := s3.Dial(ctx, "my-bucket", "ece/laptop/")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	_, err = eng.Backup(ctx, store)
//
// # Features
//
//   - CRC32C checked single-request uploads for small files
//   - Multipart uploads for large content files
//   - Automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
package s3
