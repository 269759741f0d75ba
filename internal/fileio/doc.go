// Package fileio provides locked, retrying, atomic read/write primitives for
// the JSON state store.
//
// Reads take a shared advisory lock and treat zero-length files as absent;
// writes go to a sibling temporary file under an exclusive lock and are
// renamed over
// the destination so readers never observe a partial document. Both retry a
// bounded number of times on transient OS errors.
//
// The package also exposes FileLock, the non-blocking exclusive lock used to
// serialise reloads across processes.
package fileio
