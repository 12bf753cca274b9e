/*
Package sqlite3 implements a connect hook around the sqlite3 driver so that the
underlying connection can be fetched from the driver for more advanced operations such
as backups.

Nicked from  github.com/rotationalio/ensign

The reason for repeating the code is that we register custom functions to the
driver that update MetricMap columns in place during upserts.

AFAIK there is no way to register custom functions to the existing drivers.
*/
package sqlite3

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/combs-dev/combs/pkg/broker/models"
	"github.com/mattn/go-sqlite3"
)

// Init creates the connections map and registers the driver with the SQL package.
func init() {
	conns = make(map[uint64]*Conn)
	sql.Register(DriverName, &Driver{
		sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				if err := conn.RegisterFunc("add_metric_map", addMetricMap, true); err != nil {
					return err
				}
				if err := conn.RegisterFunc("avg_metric_map", avgMetricMap, true); err != nil {
					return err
				}
				if err := conn.RegisterAggregator("sum_metric_map_agg", newSumMetricMap, true); err != nil {
					return err
				}

				return nil
			},
		},
	})
}

// In order to use this driver, specify the DriverName to sql.Open.
const (
	DriverName = "combs_sqlite3"
)

var (
	seq   uint64
	mu    sync.Mutex
	conns map[uint64]*Conn
)

// Driver embeds a sqlite3 driver but overrides the Open function to ensure the
// connection created is a local connection with a sequence ID. It then maintains the
// connection locally until it is closed so that the underlying sqlite3 connection can
// be returned on demand.
type Driver struct {
	sqlite3.SQLiteDriver
}

// Open implements the sql.Driver interface and returns a sqlite3 connection that can
// be fetched by the user using GetLastConn. The connection ensures it's cleaned up
// when it's closed. This method is not used by the user, but rather by sql.Open.
func (d *Driver) Open(dsn string) (_ driver.Conn, err error) {
	var inner driver.Conn
	if inner, err = d.SQLiteDriver.Open(dsn); err != nil {
		return nil, err
	}

	var (
		ok    bool
		sconn *sqlite3.SQLiteConn
	)

	if sconn, ok = inner.(*sqlite3.SQLiteConn); !ok {
		return nil, fmt.Errorf("unknown connection type %T", inner)
	}

	mu.Lock()
	seq++
	conn := &Conn{cid: seq, SQLiteConn: sconn}
	conns[conn.cid] = conn
	mu.Unlock()

	return conn, nil
}

// Conn wraps a sqlite3.SQLiteConn and maintains an ID so that the connection can be
// closed.
type Conn struct {
	cid uint64
	*sqlite3.SQLiteConn
}

// Close the DB connection
// When the connection is closed, it is removed from the array of connections.
func (c *Conn) Close() error {
	mu.Lock()
	delete(conns, c.cid)
	mu.Unlock()

	return c.SQLiteConn.Close()
}

// Backup creates a backup of the DB using backup API
//
// The entire point of this package is to provide access to SQLite3 backup functionality
// on the sqlite3 connection. For more details on how to use the backup see the
// following links:
//
// https://www.sqlite.org/backup.html
// https://github.com/mattn/go-sqlite3/blob/master/_example/hook/hook.go
// https://github.com/mattn/go-sqlite3/blob/master/backup_test.go
//
// This is primarily used by the backups package and this method provides access
// directly to the underlying CGO call. This means the CGO call must be called correctly
// for example: the Finish() method MUST BE CALLED otherwise your code will panic.
func (c *Conn) Backup(dest string, srcConn *Conn, src string) (*sqlite3.SQLiteBackup, error) {
	return c.SQLiteConn.Backup(dest, srcConn.SQLiteConn, src)
}

// GetLastConn returns the last connection created by the driver. Unfortunately, there
// is no way to guarantee which connection will be returned since the sql.Open package
// does not provide any interface to the underlying connection object. The best a
// process can do is ping the server to open a new connection and then fetch the last
// connection immediately.
func GetLastConn() (*Conn, bool) {
	mu.Lock()
	defer mu.Unlock()

	conn, ok := conns[seq]

	return conn, ok
}

// NumConns returns the number of active connections. Only for testing purposes.
func NumConns() int {
	mu.Lock()
	defer mu.Unlock()

	return len(conns)
}

// addMetricMap merges newMetrics into existing by summing values per metric name.
func addMetricMap(existing, newMetrics string) string {
	var existingMetricMap, newMetricMap models.MetricMap
	if err := json.Unmarshal([]byte(existing), &existingMetricMap); err != nil {
		panic(err)
	}

	if err := json.Unmarshal([]byte(newMetrics), &newMetricMap); err != nil {
		panic(err)
	}

	updatedMetricMap := maps.Clone(existingMetricMap)
	if updatedMetricMap == nil {
		updatedMetricMap = make(models.MetricMap)
	}

	for metricName, newMetricValue := range newMetricMap {
		updatedMetricMap[metricName] += newMetricValue
	}

	updatedMetricMapBytes, err := json.Marshal(updatedMetricMap)
	if err != nil {
		panic(err)
	}

	return string(updatedMetricMapBytes)
}

// avgMetricMap merges newMetrics into existing as a weighted average per
// metric name.
func avgMetricMap(existing, newMetrics string, existingWeight, newWeight float64) string {
	var existingMetricMap, newMetricMap models.MetricMap
	if err := json.Unmarshal([]byte(existing), &existingMetricMap); err != nil {
		panic(err)
	}

	if err := json.Unmarshal([]byte(newMetrics), &newMetricMap); err != nil {
		panic(err)
	}

	metricMaps := []models.MetricMap{existingMetricMap, newMetricMap}
	weights := []float64{existingWeight, newWeight}

	avgMetricMap := make(models.MetricMap)
	totalWeights := make(map[string]models.JSONFloat)

	for imetricMap, metricMap := range metricMaps {
		for metricName, metricValue := range metricMap {
			weight := models.JSONFloat(weights[imetricMap])
			avgMetricMap[metricName] += metricValue * weight
			totalWeights[metricName] += weight
		}
	}

	// Divide weighted sum by total weights to get the weighted average
	for metricName := range avgMetricMap {
		if totalWeight := totalWeights[metricName]; totalWeight > 0 {
			avgMetricMap[metricName] /= totalWeight
		}
	}

	updatedMetricMapBytes, err := json.Marshal(avgMetricMap)
	if err != nil {
		panic(err)
	}

	return string(updatedMetricMapBytes)
}

// sumMetricMap aggregate sums MetricMap columns over rows.
type sumMetricMap struct {
	aggMetricMap models.MetricMap
}

// newSumMetricMap returns an instance of sumMetricMap
func newSumMetricMap() *sumMetricMap {
	return &sumMetricMap{aggMetricMap: make(models.MetricMap)}
}

// Step merges one row's MetricMap into the aggregate
func (g *sumMetricMap) Step(m string) {
	var metricMap models.MetricMap
	if err := json.Unmarshal([]byte(m), &metricMap); err != nil {
		panic(err)
	}

	for metricName, metricValue := range metricMap {
		g.aggMetricMap[metricName] += metricValue
	}
}

// Done returns the aggregated MetricMap
func (g *sumMetricMap) Done() string {
	aggMetricMapBytes, err := json.Marshal(g.aggMetricMap)
	if err != nil {
		panic(err)
	}

	return string(aggMetricMapBytes)
}
