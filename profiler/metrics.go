package profiler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var windowsPlannedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "spindle_profiler_windows_planned_total",
	Help: "counter of sync windows selected for execution by the planner",
}, []string{"pipeline"})

var windowsRunCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "spindle_profiler_windows_run_total",
	Help: "counter of sync windows executed, by pipeline and terminal status",
}, []string{"pipeline", "status"})

var jobsSkippedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "spindle_profiler_jobs_skipped_total",
	Help: "counter of (store, pipeline) jobs skipped because another profiler held their advisory lock",
}, []string{"pipeline"})

var windowsInFlightGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "spindle_profiler_windows_in_flight",
	Help: "gauge of sync windows currently executing",
})

var runsFinishedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "spindle_profiler_runs_finished_total",
	Help: "counter of profiler runs by rolled-up overall status",
}, []string{"status"})
