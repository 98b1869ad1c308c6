// Package minio provides a replica.Target using the MinIO client.
//
// MinIO is an S3-compatible object store. The official MinIO Go client also
// works with Ceph, SeaweedFS and Garage, and needs no AWS dependencies.
//
// # Basic Usage
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	    Secure: false,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	store := minioreplica.New(client, "backups", "ece/")
//	_, err = eng.Backup(ctx, store)
package minio
