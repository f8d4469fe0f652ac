package main

import (
	"os"

	"github.com/batmantechnologies/databasetool/cmd"
)

// Version information (set by build flags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	cmd.SetVersionInfo(Version, BuildTime, GitCommit)
	os.Exit(cmd.Execute())
}
