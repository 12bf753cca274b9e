package main

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v3"

	"github.com/combs-dev/combs/pkg/broker/models"
)

// Locations where config file must be found.
var (
	configPaths = []string{
		"/etc/combs",
	}

	// CLI app.
	cbillApp = kingpin.New(
		filepath.Base(os.Args[0]), "Billing statements and usage totals for compute jobs fetched from the COMBS broker.",
	).UsageWriter(os.Stdout)

	// mock identity and config path for test.
	mockCustomerAddr, mockConfigPath string

	invoiceFields = []field{
		{name: "invoice", help: "Invoice ID", title: "Invoice", minW: 7, maxW: 14},
		{name: "job", help: "Job the invoice bills", title: "Job", minW: 3, maxW: 14},
		{name: "provider", help: "Provider to be paid", title: "Provider", minW: 5, maxW: 12},
		{name: "amount", help: "Billed amount", title: "Amount", minW: 5, maxW: 12},
		{name: "currency", help: "Billing currency", title: "Currency", minW: 3, maxW: 8},
		{name: "status", help: "Settlement state of the invoice", title: "Status", minW: 5, maxW: 8},
		{name: "created", help: "Invoice creation time", title: "Created", minW: 5, maxW: 12},
		{name: "settled", help: "Invoice settlement time", title: "Settled", minW: 5, maxW: 12},
	}

	usageFields = []field{
		{name: "customer", help: "Billed customer", title: "Customer", minW: 5, maxW: 12},
		{name: "cluster", help: "Cluster that ran the jobs", title: "Cluster", minW: 5, maxW: 12},
		{name: "jobs", help: "Number of billed jobs", title: "Jobs", minW: 3, maxW: 6},
		{name: "wallclock", help: "Total metered wall clock hours", title: "Wallclock(hrs)", minW: 5, maxW: 12},
		{name: "cpuhours", help: "Total metered CPU core hours", title: "CPU(core-hrs)", minW: 5, maxW: 12},
		{name: "memoryhours", help: "Total metered memory GB hours", title: "Memory(GB-hrs)", minW: 5, maxW: 12},
	}
)

// Custom errors.
var (
	errNoPerm   = errors.New("forbidden response from API server")
	errInternal = errors.New("internal server error")
)

// field is a container for each column's metadata in the table.
type field struct {
	name  string
	help  string
	title string
	minW  int
	maxW  int
}

// Config contains the cbill configuration settings.
type Config struct {
	Broker struct {
		Web            models.WebConfig `yaml:"web"`
		UserHeaderName string           `yaml:"user_header_name"`
		CustomerAddr   string           `yaml:"customer_addr"`
	} `yaml:"combs_broker"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	// Set a default config
	*c = Config{}
	c.Broker.UserHeaderName = "X-Broker-User"

	type plain Config

	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	return nil
}

// Response defines the response model of the broker API server.
type Response[T any] struct {
	Status   string   `json:"status"`
	Data     []T      `json:"data"`
	Error    string   `json:"error,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func main() {
	var (
		helpFormat, usageMode     bool
		htmlOut, csvOut, mdOut    bool
		jobsFlag, invoicesFlag    string
		statusFlag, customersFlag string
		clustersFlag              string
		startTime, endTime        string
	)

	cbillApp.Version(version.Print("cbill"))
	cbillApp.HelpFlag.Short('h')

	// CLI flags
	cbillApp.Flag(
		"starttime", "Select invoices created after this time. Valid format is YYYY-MM-DD[THH:MM[:SS]] (default: 00:00:00 of the current day).",
	).Default(time.Now().Format("2006-01-02") + "T00:00:00").StringVar(&startTime)
	cbillApp.Flag(
		"endtime", "Select invoices created before this time. Valid format is YYYY-MM-DD[THH:MM[:SS]] (default: now).",
	).Default(time.Now().Format("2006-01-02T15:04:05")).StringVar(&endTime)
	cbillApp.Flag(
		"job", "Comma separated list of job IDs to select invoices. Default is all jobs in the period.",
	).StringVar(&jobsFlag)
	cbillApp.Flag(
		"invoice", "Comma separated list of invoice IDs to display. Overrides the period.",
	).StringVar(&invoicesFlag)
	cbillApp.Flag(
		"status", "Comma separated list of settlement states (pending, settled, disputed) to select invoices.",
	).StringVar(&statusFlag)
	cbillApp.Flag(
		"customer", "Comma separated list of customer addresses to select invoices. Only admin users can view other customers.",
	).StringVar(&customersFlag)
	cbillApp.Flag(
		"usage", "Show rolling usage totals per cluster instead of invoices (default: false).",
	).Default("false").BoolVar(&usageMode)
	cbillApp.Flag(
		"cluster", "Comma separated list of cluster IDs to select usage totals.",
	).StringVar(&clustersFlag)
	cbillApp.Flag(
		"helpformat", "List of table columns.",
	).Default("false").BoolVar(&helpFormat)
	cbillApp.Flag(
		"csv", "Produce CSV output (default: false).",
	).Default("false").BoolVar(&csvOut)
	cbillApp.Flag(
		"html", "Produce HTML output (default: false).",
	).Default("false").BoolVar(&htmlOut)
	cbillApp.Flag(
		"markdown", "Produce markdown output (default: false).",
	).Default("false").BoolVar(&mdOut)

	if _, err := cbillApp.Parse(os.Args[1:]); err != nil {
		kingpin.Fatalf("failed to parse CLI flags: %v", err)
	}

	// If helpformat, print available columns and return
	if helpFormat {
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Column", "Description"})

		for _, f := range invoiceFields {
			t.AppendRow(table.Row{f.name, f.help})
		}

		for _, f := range usageFields {
			t.AppendRow(table.Row{f.name, f.help})
		}

		t.Render()

		os.Exit(0)
	}

	// Convert flags to slices
	jobs := splitString(jobsFlag, ",")
	invoiceIDs := splitString(invoicesFlag, ",")
	statuses := splitString(statusFlag, ",")
	customers := splitString(customersFlag, ",")
	clusters := splitString(clustersFlag, ",")

	// Convert start and end times to time.Time
	var start, end time.Time

	var err error
	if start, err = parseTime(startTime); err != nil {
		kingpin.Fatalf("failed to parse --starttime flag: %v", err)
	}

	if end, err = parseTime(endTime); err != nil {
		kingpin.Fatalf("failed to parse --endtime flag: %v", err)
	}

	// Get the identity presented to the broker. The config file can override
	// it with an explicit customer address.
	// If mockCustomerAddr and/or mockConfigPath are set, we override the
	// actual ones with mocks. Only used in testing and it should not affect
	// production cases.
	currentAddr, err := getCustomerAddr(mockCustomerAddr, mockConfigPath)
	if err != nil {
		os.Exit(checkErr(fmt.Errorf("failed to get customer identity: %w", err)))
	}

	var t table.Writer

	if usageMode {
		aggs, err := usageTotals(currentAddr, customers, clusters)
		if err != nil {
			os.Exit(checkErr(err))
		}

		t = newUsageTable(aggs)
	} else {
		invoices, err := statements(currentAddr, start, end, jobs, invoiceIDs, statuses, customers)
		if err != nil {
			os.Exit(checkErr(err))
		}

		t = newInvoiceTable(invoices)
	}

	// Based on requested rendering format
	switch {
	case htmlOut:
		t.RenderHTML()
	case csvOut:
		t.RenderCSV()
	case mdOut:
		t.RenderMarkdown()
	default:
		t.Render()
	}
}

// tableStyle is the rendering style shared by all cbill tables.
func tableStyle() table.Style {
	return table.Style{
		Name:    "CustomStyleLight",
		Box:     table.StyleBoxLight,
		Color:   table.ColorOptionsDefault,
		HTML:    table.DefaultHTMLOptions,
		Options: table.OptionsDefault,
		Size:    table.SizeOptionsDefault,
		Title:   table.TitleOptionsDefault,
		Format: table.FormatOptions{
			Footer: text.FormatDefault,
			Header: text.FormatUpper,
			Row:    text.FormatDefault,
		},
	}
}

// configureTable applies the shared style and the column widths.
func configureTable(t table.Writer, fields []field) {
	var columnConfigs []table.ColumnConfig
	for _, f := range fields {
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Name:     f.title,
			WidthMin: f.minW,
			WidthMax: f.maxW,
		})
	}

	t.SuppressEmptyColumns()
	t.SuppressTrailingSpaces()
	t.SetStyle(tableStyle())
	t.SetOutputMirror(os.Stdout)
	t.SetColumnConfigs(columnConfigs)
}

// newInvoiceTable returns a new table with one row per invoice and a footer
// summing the billed amounts per currency.
func newInvoiceTable(invoices []models.Invoice) table.Writer {
	t := table.NewWriter()
	configureTable(t, invoiceFields)

	headers := table.Row{}
	for _, f := range invoiceFields {
		headers = append(headers, f.title)
	}

	t.AppendHeader(headers)

	rows := make([]table.Row, len(invoices))
	for i, invoice := range invoices {
		rows[i] = table.Row{
			invoice.UUID, invoice.JobUUID, invoice.ProviderAddr,
			fmt.Sprintf("%.2f", float64(invoice.TotalAmount)), invoice.Currency,
			string(invoice.Status), invoice.CreatedAt, invoice.SettledAt,
		}
	}

	t.AppendRows(rows)
	t.AppendSeparator()

	// Sum billed and settled amounts per currency
	billed := make(map[string]float64)
	settled := make(map[string]float64)

	for _, invoice := range invoices {
		billed[invoice.Currency] += float64(invoice.TotalAmount)
		if invoice.Status == models.InvoiceStatusSettled {
			settled[invoice.Currency] += float64(invoice.TotalAmount)
		}
	}

	currencies := make([]string, 0, len(billed))
	for currency := range billed {
		currencies = append(currencies, currency)
	}

	sort.Strings(currencies)

	for _, currency := range currencies {
		t.AppendFooter(table.Row{
			"Total", "", "",
			fmt.Sprintf("%.2f", billed[currency]), currency,
			fmt.Sprintf("%.2f settled", settled[currency]), "", "",
		})
	}

	return t
}

// newUsageTable returns a new table with one row per customer and cluster
// carrying the rolling usage totals.
func newUsageTable(aggs []models.UsageAggregate) table.Writer {
	t := table.NewWriter()
	configureTable(t, usageFields)

	headers := table.Row{}
	for _, f := range usageFields {
		headers = append(headers, f.title)
	}

	t.AppendHeader(headers)

	var totalJobs int64

	var wallclock, cpu, memory float64

	rows := make([]table.Row, len(aggs))
	for i, agg := range aggs {
		rows[i] = table.Row{
			agg.CustomerAddr, agg.ClusterID, agg.NumJobs,
			fmt.Sprintf("%.2f", metricHours(agg.Totals, "wallclock_seconds")),
			fmt.Sprintf("%.2f", metricHours(agg.Totals, "cpu_core_seconds")),
			fmt.Sprintf("%.2f", metricHours(agg.Totals, "memory_gb_seconds")),
		}

		totalJobs += agg.NumJobs
		wallclock += metricHours(agg.Totals, "wallclock_seconds")
		cpu += metricHours(agg.Totals, "cpu_core_seconds")
		memory += metricHours(agg.Totals, "memory_gb_seconds")
	}

	t.AppendRows(rows)
	t.AppendSeparator()
	t.AppendFooter(table.Row{
		"Total", "", totalJobs,
		fmt.Sprintf("%.2f", wallclock), fmt.Sprintf("%.2f", cpu), fmt.Sprintf("%.2f", memory),
	})

	return t
}

// metricHours converts a seconds metric of the map to hours.
func metricHours(totals models.MetricMap, key string) float64 {
	return float64(totals[key]) / 3600
}

// readConfig returns config struct from first found config file.
func readConfig() (*Config, error) {
	var config Config

	// Look for config.yml or config.yaml or cbill.yml or cbill.yaml files
	for _, configPath := range configPaths {
		for _, file := range []string{"config.yml", "config.yaml", "cbill.yml", "cbill.yaml"} {
			configFile := filepath.Join(configPath, file)
			if _, err := os.Stat(configFile); err == nil {
				// Read config file
				cfg, err := os.ReadFile(configFile)
				if err != nil {
					return nil, err
				}

				if err = yaml.Unmarshal(cfg, &config); err != nil {
					return nil, err
				}

				return &config, nil
			}
		}
	}

	return nil, errors.New("config file not found")
}

// getCustomerAddr returns the identity presented to the broker. Deployments
// that map OS users to customer addresses at the auth proxy use the user
// name; others set customer_addr in the config file which overrides it.
func getCustomerAddr(mockAddr string, mockConfigPath string) (string, error) {
	var currentAddr string

	if u, err := user.Current(); err != nil {
		return "", fmt.Errorf("failed to get current user: %w", err)
	} else {
		// Check if mockAddr is set. This will be always empty string for
		// production builds as we do not compile test flags for production
		// builds
		if mockAddr != "" {
			currentAddr = mockAddr

			// If mockConfigPath is set as well, add to configPaths
			if mockConfigPath != "" {
				configPaths = append(configPaths, mockConfigPath)
			}
		} else {
			currentAddr = u.Username
		}
	}

	// Add user HOME to configPaths
	userConfigDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config file: %w", err)
	}

	configPaths = append(configPaths, filepath.Join(userConfigDir, "combs"))

	return currentAddr, nil
}

func parseTime(s string) (time.Time, error) {
	// First attempt is to parse as YYYY-MM-DDTHH:MM:SS
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t.In(time.Local), nil
	}

	// Second attempt is to parse as YYYY-MM-DDTHH:MM
	if t, err := time.Parse("2006-01-02T15:04", s); err == nil {
		return t.In(time.Local), nil
	}

	// Third attempt is to parse as YYYY-MM-DD
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.In(time.Local), nil
	}

	// If nothing works, return error
	return time.Time{}, errors.New("invalid time format")
}

func splitString(s, d string) []string {
	var parts []string

	for _, p := range strings.Split(s, d) {
		if p != "" {
			parts = append(parts, p)
		}
	}

	return parts
}

func checkErr(err error) int {
	if err != nil {
		switch {
		case errors.Is(err, errNoPerm):
			fmt.Fprintln(os.Stderr, "forbidden. It is likely that the user is attempting to view statements of others")
		case errors.Is(err, errInternal):
			fmt.Fprintln(os.Stderr, "server did not return any data due to unknown error")
		}

		return 1
	}

	return 0
}
