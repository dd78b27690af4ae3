// Command emrtd manages CSCA trust anchors and verifies eMRTD security objects.
//
// Usage:
//
//	emrtd <command> [flags]
//
// Commands:
//
//	anchors  Load the Master List and list or export its CSCA certificates
//	verify   Verify an EF.SOD and its data groups
//	version  Show version information
//
// Examples:
//
//	# List the anchors of a downloaded Master List, refreshed daily
//	emrtd anchors --source https://example.org/icao.ldif --cache-ttl 86400
//
//	# Verify a document
//	emrtd verify --source masterlist.ldif --sod EF.SOD --dg DG1=EF.DG1 --dg DG2=EF.DG2
//
//	# Verify with JSON output
//	emrtd verify --config emrtd.yaml --sod EF.SOD --dg DG1=EF.DG1 --json
package main

import (
	"os"

	"github.com/2060-io/go-emrtd/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/emrtd
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime

	cli.Run(os.Args)
}
