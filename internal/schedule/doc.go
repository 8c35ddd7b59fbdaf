// Package schedule decides when the source is polled.
//
// Adaptive is a cron.Schedule whose cadence depends on how close the wall
// clock is to an hourly anchor. Service runs named jobs on robfig/cron with
// skip-if-running overlap protection and a per-run timeout.
package schedule
