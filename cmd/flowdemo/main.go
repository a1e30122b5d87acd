/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Command flowdemo runs producers and an HTTP ingest API through one FlowControl instance.
//
//	$ flowdemo --config flowdemo.yml
//	$ curl -XPOST localhost:8080/api/flowdemo/v1/messages -d '{"payload":"hello"}'
//	{"id":"cs3kqv8...","state":"normal"}
//	$ curl localhost:8080/state
//	$ curl localhost:8080/metrics
package main

import (
	"context"
	"fmt"
	golog "log"
	"os"

	"github.com/spf13/pflag"

	"github.com/acronis/go-flowcontrol/log"
)

func main() {
	if err := runApp(os.Args[1:]); err != nil {
		golog.Fatal(err)
	}
}

func runApp(args []string) error {
	flags := pflag.NewFlagSet("flowdemo", pflag.ContinueOnError)
	cfgPath := flags.StringP("config", "c", "", "path to the YAML config file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := loadAppConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if _, ok := cfg.Log.Fields["service"]; !ok {
		if cfg.Log.Fields == nil {
			cfg.Log.Fields = map[string]string{}
		}
		cfg.Log.Fields["service"] = "flowdemo"
	}
	logger, loggerClose := log.NewLogger(cfg.Log)
	defer loggerClose()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	return a.run(context.Background(), logger)
}
