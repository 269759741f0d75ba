// Package artifact renders derived files from device state during a reload.
//
// The only artifact kind today is the temperature probe chart: PNG line
// charts rendered from a probe device's reading history according to its
// charting configuration. Artifact generation is best effort; a failed
// render is logged and skipped without failing the reload.
package artifact
