// Package cron submits image jobs on a schedule.
//
// Each [Entry] names a schedule in standard 5-field cron syntax or a
// descriptor such as "@every 10s" or "@hourly", parsed with
// robfig/cron. The [Runner] checks entries on a short tick and, for each
// entry that came due, submits one process_image job.
//
// Several runners may share a job store. A fire's job id is derived from
// the entry name and the scheduled fire instant, so every runner that
// observes the same fire builds the same id and the store admits only the
// first; the others see ErrJobAlreadyExists and move on. A runner that was
// down for several fires submits only the most recent one.
package cron
