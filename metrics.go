package projex

import (
	"github.com/luno/projex/internal/metrics"
)

var (
	projectorLag           = metrics.ProjectorLag
	projectorLagAlert      = metrics.ProjectorLagAlert
	projectorActivityGauge = metrics.ProjectorActivityGauge
	batchLatency           = metrics.BatchLatency
	batchErrors            = metrics.BatchErrors
	batchRetries           = metrics.BatchRetries
	skippedTransactions    = metrics.SkippedTransactions
	quarantinedProjections = metrics.QuarantinedProjections
)

// Labels is an alias for the internal metric labels of a projector.
var makeLabels = metrics.Labels
