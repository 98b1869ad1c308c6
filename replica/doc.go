// Package replica copies a mirror to off-site storage and back.
//
// A Target stores mirror files under their slash-separated relative names.
// Backup is incremental: a file is uploaded when the target lacks it or holds
// a different size. Content files never change and sidecars and suppression
// logs only grow, so size is a sufficient change signal. STATE is written
// last, after every file it accounts for.
//
// # Built-in Targets
//
//   - Dir: a local directory
//   - s3.Store: Amazon S3 with multipart uploads
//   - minio.Store: MinIO and other S3-compatible storage
//
// Restore copies a target into an empty mirror; the index is rebuilt from
// the restored files afterwards.
package replica
