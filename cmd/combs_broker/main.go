package main

// We need to import each scheduler backend package here.
import (
	"log"
	"os"

	"github.com/combs-dev/combs/pkg/broker/cli"
	_ "github.com/combs-dev/combs/pkg/broker/scheduler/inmem"
	_ "github.com/combs-dev/combs/pkg/broker/scheduler/k8s"
	_ "github.com/combs-dev/combs/pkg/broker/scheduler/slurm"
)

// Main entry point for `combs_broker` app.
func main() {
	// Create a new app
	brokerApp, err := cli.NewBrokerApp()
	if err != nil {
		panic("Failed to create an instance of Broker App")
	}

	// Main entrypoint of the app
	if err := brokerApp.Main(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
