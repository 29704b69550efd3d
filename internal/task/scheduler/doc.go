// Package scheduler turns cron and interval specs into task engine work.
//
// It owns trigger calculation only: every firing enqueues a task into
// engine.Service with skip-if-running overlap, so a slow lifecycle scan or
// poll is never stacked behind itself.
package scheduler
