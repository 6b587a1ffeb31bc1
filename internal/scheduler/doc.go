// Package scheduler wakes at the start of every minute, evaluates stored
// schedules for each host and enqueues the ones that are due.
//
// robfig/cron only provides the minute trigger; due-ness is decided by
// job.Rule so a tick can be replayed for any timestamp.
package scheduler
