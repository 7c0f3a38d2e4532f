package main

import (
	"log"
	"os"

	"github.com/DavieBik/questify-glow-sub000/core"
	logsvc "github.com/DavieBik/questify-glow-sub000/services/logger"
)

func main() {
	conf := core.NewConfig()
	logger := logsvc.NewRollbarLogger(log.New(os.Stderr, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile), conf)
	core.ParseEmailTemplates(conf, logger)

	cli := commandLine{
		conf:   conf,
		logger: logger,
		out:    os.Stdout,
		stdin:  int(os.Stdin.Fd()),
	}
	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			logger.Error("error: " + err.Error())
		}
		os.Exit(1)
	}
}
