// Package autoload initializes the global logger from the LOG_* environment
// on import, so main only needs a blank import before anything logs.
package autoload

import (
	"github.com/finagent/finagent/pkg/config"
	logx "github.com/finagent/finagent/pkg/logger"
)

func init() {
	logx.Init(*config.MustNew[logx.Config]("LOG"))
}
