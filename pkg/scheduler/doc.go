/*
Package scheduler computes time windows for presets and provision scripts.

Interval and Variance implement the periodic helpers scripts use to
spread work across a fleet: Variance derives a stable per-device offset and
Interval floors a timestamp to the enclosing interval shifted by that
offset. Cron and Window evaluate five-field cron expressions (parsed with
robfig/cron) to find the last firing and decide whether a preset schedule
is currently open.

All timestamps are unix milliseconds.
*/
package scheduler
