// Package mmap maps mirror content files read-only into memory so retrieval
// can slice molecule text and inflation windows without copying whole files.
//
//	m, err := mmap.Open(path, mmap.Random)
//	defer m.Close()
//	text, err := m.Copy(start, end)
//
// On platforms without mmap the file is read into memory instead.
package mmap
