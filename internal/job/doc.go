// Package job holds the job data model (signatures, schedules, runs) and the
// registry that maps stable string keys to Go functions.
package job
