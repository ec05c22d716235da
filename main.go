package main

import (
	"github.com/joho/godotenv"

	"github.com/cloudharness/commander/cmd"
	"github.com/cloudharness/commander/internal/config"
	"github.com/cloudharness/commander/internal/logger"
)

func main() {
	defer logger.HandlePanic()

	// Agent credentials live in .env; the harness itself needs nothing
	// from it, the agent subprocess inherits the loaded environment.
	_ = godotenv.Load()

	logger.SetVersion(cmd.GetVersion())
	if home, err := config.ResolveHome(); err == nil {
		logger.SetBasePath(home)
	}

	cmd.Execute()
}
