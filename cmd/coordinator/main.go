// Command coordinator runs the realtime reaction and notification
// coordinator.
//
//	@title			Realtime Reaction & Notification Coordinator API
//	@version		1.0
//	@description	Server-held views with live collections, optimistic reactions and messages, and notification dispatch over server-sent events.
//	@BasePath		/api/v1
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-realtime-coordinator/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("coordinator failed")
		os.Exit(1)
	}
}
