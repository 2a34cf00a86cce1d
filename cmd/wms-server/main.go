package main

import (
	"os"

	"github.com/gridwms/wms/cmd/wms-server/cmd"
	"github.com/gridwms/wms/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
