// Package scheduler fires a single job on a cron expression or a fixed
// interval. A firing is skipped while the previous run is still active.
package scheduler
