// Package metrics exports Prometheus counters for call-site specialization
// and deoptimization.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SpecializationsCreated counts cached entries appended to call sites.
	SpecializationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "specter_dispatch_specializations_total",
		Help: "Cached specialization entries created, by table and row",
	}, []string{"table", "row"})

	// GenericTransitions counts rows that exhausted their limit.
	GenericTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "specter_dispatch_generic_transitions_total",
		Help: "Specialization rows that switched to their uncached form, by table and row",
	}, []string{"table", "row"})

	// Exclusions counts rows excluded by rewrite conditions or replacement.
	Exclusions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "specter_dispatch_exclusions_total",
		Help: "Specialization rows excluded, by table, row and cause",
	}, []string{"table", "row", "cause"})

	// Deoptimizations counts speculation failures handled by the coordinator.
	Deoptimizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "specter_deopt_total",
		Help: "Speculation failures handled, by reason and action",
	}, []string{"reason", "action"})

	// CodeInvalidations counts installed code units invalidated.
	CodeInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "specter_code_invalidations_total",
		Help: "Installed code units invalidated, by cause",
	}, []string{"cause"})

	// SafepointDeopts counts frames deoptimized lazily by their own thread
	// after another thread invalidated their code.
	SafepointDeopts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "specter_deopt_safepoint_frames_total",
		Help: "Frames of invalidated code deoptimized at a safepoint",
	})

	// SpeculationFailures counts failures recorded in speculation logs.
	SpeculationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "specter_speculation_failures_total",
		Help: "Failed speculations recorded, by reason group",
	}, []string{"group"})

	// TraceFaults counts errors swallowed while producing deoptimization traces.
	TraceFaults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "specter_deopt_trace_faults_total",
		Help: "Errors isolated while writing deoptimization traces",
	})
)

// Exclusion causes.
const (
	CauseRewrite  = "rewrite"
	CauseReplaced = "replaced"
)

// Invalidation causes.
const (
	CauseAction     = "action"
	CauseAssumption = "assumption"
	CauseInstall    = "install"
)
