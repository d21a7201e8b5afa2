package main

import (
	"context"
	"fmt"
	"os"

	logger "github.com/Easy-Infra-Ltd/easy-logger"

	"github.com/Easy-Infra-Ltd/easy-guard/src/cli"
)

func main() {
	log := logger.CreateLoggerFromEnv(nil, "blue").With("process", "easyguard")

	if err := cli.Execute(context.Background(), log); err != nil {
		fmt.Fprintf(os.Stderr, "easyguard: %v\n", err)
		os.Exit(1)
	}
}
