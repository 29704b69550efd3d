// Package jobs holds the domain model of scheduled analysis jobs: job
// definitions, the runs executing them, their validation rules and the error
// taxonomy shared by the storage, lifecycle and adapter packages.
package jobs
