// This file is part of commbus-go, a cluster message bus in Golang.
// Copyright (C) 2019-2022 Bernd Fix  >Y<
//
// commbus-go is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// commbus-go is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package main

import (
	"context"
	"flag"
	"os"

	"commbus/config"
	"commbus/core"
	"commbus/service"

	"github.com/bfix/gospel/logger"
)

func main() {
	rc := run()
	// exit via a helper so the deferred log flush already happened
	os.Exit(rc)
}

func run() int {
	defer func() {
		logger.Println(logger.INFO, "[commbusd] Bye.")
		// flush last messages
		logger.Flush()
	}()
	logger.Println(logger.INFO, "[commbusd] Starting daemon...")

	var (
		cfgFile  string
		logLevel int
		rpcEndp  string
	)
	// handle command line arguments
	flag.StringVar(&cfgFile, "c", "commbus-config.json", "commbus configuration file")
	flag.IntVar(&logLevel, "L", logger.INFO, "commbusd log level (default: INFO)")
	flag.StringVar(&rpcEndp, "R", "", "JSON-RPC endpoint (default: none)")
	flag.Parse()

	// read configuration file
	if err := config.ParseConfig(cfgFile); err != nil {
		logger.Printf(logger.ERROR, "[commbusd] Invalid configuration file: %s\n", err.Error())
		return 2
	}
	logger.SetLogLevel(logLevel)
	logger.Printf(logger.INFO, "[commbusd] --------------------------------- started on %s\n", config.Cfg.ServerName)

	// instantiate the bus server
	srv, err := core.NewServer(config.Cfg)
	if err != nil {
		logger.Printf(logger.ERROR, "[commbusd] Initialization failed: %s\n", err.Error())
		return 2
	}

	// start the admin JSON-RPC endpoint on request
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if len(rpcEndp) == 0 && config.Cfg.RPC != nil {
		rpcEndp = config.Cfg.RPC.Endpoint
	}
	if len(rpcEndp) > 0 {
		if err := service.StartRPC(ctx, rpcEndp, srv); err != nil {
			logger.Printf(logger.ERROR, "[commbusd] RPC failed to start: %s\n", err.Error())
			return 2
		}
	}

	// run the reactor until a STOP/SHUTDOWN/RELOADCONFIG or signal
	// drains the last connection
	srv.Run()

	// RELOADCONFIG exits with 1 so the supervisor restarts us
	if srv.ForceRestart() {
		return 1
	}
	return 0
}
