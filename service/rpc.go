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

package service

import (
	"context"
	"net/http"
	"time"

	"commbus/core"

	"github.com/bfix/gospel/logger"
	"github.com/gorilla/mux"
	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json"
)

// JSON-RPC interface for operators: read-only introspection of the
// running daemon (sessions, neighbors, heard-of set).

// StatusArgs is the (empty) argument set of the status methods.
type StatusArgs struct{}

// BusService exposes daemon introspection over JSON-RPC.
type BusService struct {
	srv *core.Server
}

// Status returns a snapshot of the daemon state.
func (b *BusService) Status(r *http.Request, args *StatusArgs, reply *core.Stats) error {
	*reply = b.srv.Stats()
	return nil
}

// StartRPC runs the JSON-RPC server on the configured endpoint; it is
// terminated by the context.
func StartRPC(ctx context.Context, endpoint string, bus *core.Server) error {
	rpcs := rpc.NewServer()
	rpcs.RegisterCodec(json.NewCodec(), "application/json")
	if err := rpcs.RegisterService(&BusService{srv: bus}, "Bus"); err != nil {
		return err
	}
	router := mux.NewRouter()
	router.Handle("/rpc", rpcs)

	srv := &http.Server{
		Handler:      router,
		Addr:         endpoint,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}
	go func() {
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				logger.Printf(logger.WARN, "[RPC] Server listen failed: %s", err.Error())
			}
		}()
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Printf(logger.WARN, "[RPC] Server shutdown failed: %s", err.Error())
		}
	}()
	return nil
}
