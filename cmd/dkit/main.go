package main

import (
	"os"

	_ "go.uber.org/automaxprocs"
	"k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/devicekit/cmd/dkit/app"
	genericapp "github.com/autopeer-io/devicekit/pkg/app"
)

func main() {
	ctx := server.SetupSignalContext()
	if err := app.NewApp().Run(ctx); err != nil {
		os.Exit(genericapp.ExitCode(err))
	}
}
