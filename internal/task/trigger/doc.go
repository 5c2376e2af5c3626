// Package trigger computes fire times (cron and simple interval schedules) and
// resolves misfires. Nothing in this package reads the clock.
package trigger
