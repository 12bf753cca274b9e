// Package base defines the names and variables that have global scope
// throughout which can be used in other subpackages
package base

import (
	"fmt"
	"regexp"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/combs-dev/combs/pkg/broker/models"
)

// BrokerAppName is kingpin app name
const BrokerAppName = "combs_broker"

// BrokerApp is kingpin app
var BrokerApp = *kingpin.New(
	BrokerAppName,
	"Brokerage server that routes, meters and settles compute jobs on HPC clusters.",
)

// DB table names
var (
	JobsDBTableName             = models.Job{}.TableName()
	SchedulerJobsDBTableName    = models.SchedulerJob{}.TableName()
	RoutingDecisionsDBTableName = models.RoutingDecision{}.TableName()
	UsageRecordsDBTableName     = models.UsageRecord{}.TableName()
	InvoicesDBTableName         = models.Invoice{}.TableName()
	PayoutsDBTableName          = models.Payout{}.TableName()
	PlatformFeesDBTableName     = models.PlatformFee{}.TableName()
	AuditRecordsDBTableName     = models.AuditRecord{}.TableName()
	StatusReportsDBTableName    = models.StatusReport{}.TableName()
	UsageAggsDBTableName        = models.UsageAggregate{}.TableName()
)

// Slices of all DB column names per table
var (
	JobsDBTableColNames             = models.Job{}.TagNames("sql")
	SchedulerJobsDBTableColNames    = models.SchedulerJob{}.TagNames("sql")
	RoutingDecisionsDBTableColNames = models.RoutingDecision{}.TagNames("sql")
	UsageRecordsDBTableColNames     = models.UsageRecord{}.TagNames("sql")
	InvoicesDBTableColNames         = models.Invoice{}.TagNames("sql")
	PayoutsDBTableColNames          = models.Payout{}.TagNames("sql")
	PlatformFeesDBTableColNames     = models.PlatformFee{}.TagNames("sql")
	AuditRecordsDBTableColNames     = models.AuditRecord{}.TagNames("sql")
	StatusReportsDBTableColNames    = models.StatusReport{}.TagNames("sql")
	UsageAggsDBTableColNames        = models.UsageAggregate{}.TagNames("sql")
)

// InvalidIDRegex matches characters that are not allowed in cluster and
// offering IDs
var InvalidIDRegex = regexp.MustCompile(`[^a-zA-Z0-9-_]`)

// DatetimeLayout to be used in the package
var DatetimeLayout = fmt.Sprintf("%sT%s", time.DateOnly, time.TimeOnly)

// DatetimeZoneLayout is DatetimeLayout with the numeric zone offset appended
var DatetimeZoneLayout = DatetimeLayout + "-0700"
