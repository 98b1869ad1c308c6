// Package fs provides filesystem abstractions for the mirror store with fault
// injection for tests.
//
//   - [File]: an open file with read/write/sync capabilities
//   - [FileSystem]: open, remove, rename, stat, mkdir and readdir
//   - [LocalFS]: production implementation on top of package os
//   - [FaultyFS]: test wrapper that fails writes, syncs, closes, opens or
//     renames for matching file names
//
// [WriteAtomic] implements the tmp-write, fsync, rename, directory-fsync
// sequence the mirror uses for content files:
//
//	err := fs.WriteAtomic(fs.Default, path, data, 0o644)
//
// Tests simulate a crash between write and rename:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule(".dat.tmp", fs.Fault{FailAfterBytes: -1, FailOnRename: true})
//
// Filesystem calls take no context.Context; local IO is not interruptible at
// the syscall level.
package fs
