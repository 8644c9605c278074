// Package cmd provides shared initialization for the relay binaries.
package cmd

import (
	"log/slog"

	"github.com/vantagecrm/relay/pkg/actions/httprequest"
	"github.com/vantagecrm/relay/pkg/actions/llm"
	logaction "github.com/vantagecrm/relay/pkg/actions/log"
	"github.com/vantagecrm/relay/pkg/registry"
)

// NewRegistry builds the action registry with the native handlers.
func NewRegistry(logger *slog.Logger) *registry.Registry {
	reg := registry.NewRegistry(logger)

	reg.Register(httprequest.NewActionFactory())
	reg.Register(logaction.NewActionFactory())
	reg.Register(llm.NewActionFactory())

	return reg
}
