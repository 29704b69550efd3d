// Package lifecycle is the scheduled-cluster job lifecycle core.
//
// A periodic trigger calls Scan, which dispatches due jobs, and
// PollOutstanding, which tracks runs to completion. Around that loop the
// package exposes the job API used by presentation layers: create, update,
// delete, get, list, identifier checks and output download.
//
// Run flow:
//
//	pending -> provisioning -> running -> succeeded | failed | timed_out
//	                 \-> failed (permanent launch error)
//	any active -> cancelled (job deleted)
//
// Terminal runs are settled by the retry and expiry policy, which retries the
// same occurrence, gives up and advances the schedule, or disables the job.
package lifecycle
