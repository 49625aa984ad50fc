package main

import (
	"github.com/Paintersrp/jobvisor/internal/cli"
	"github.com/Paintersrp/jobvisor/internal/metrics"
)

func main() {
	metrics.EmitBuildInfo()
	cli.Execute()
}
