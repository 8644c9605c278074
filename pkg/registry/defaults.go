package registry

import (
	"log/slog"

	"github.com/vantagecrm/relay/pkg/actions/httprequest"
	"github.com/vantagecrm/relay/pkg/actions/llm"
	logaction "github.com/vantagecrm/relay/pkg/actions/log"
)

// NewDefaultRegistry returns a registry with every built-in action factory
// registered.
func NewDefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)

	r.Register(httprequest.NewActionFactory())
	r.Register(logaction.NewActionFactory())
	r.Register(llm.NewActionFactory())

	return r
}
