// Package state defines the device state model: the typed payloads decoded
// from on-disk JSON documents, the annotations added at load time, and the
// validation rules applied to incoming submissions.
//
// A Device pairs a typed payload with the raw decoded document so callers
// can use struct fields for the modelled sections and Value traversal for
// everything else. Collections are immutable snapshots swapped wholesale on
// each reload.
package state
