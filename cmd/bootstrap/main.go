// Command bootstrap is the entrypoint of a deployment package running a
// JavaScript handler. _HANDLER selects the file and export under
// LAMBDA_TASK_ROOT, e.g. "index.handler".
package main

import (
	"go.uber.org/zap"

	"github.com/wehubfusion/lambdaruntime/pkg/config"
	"github.com/wehubfusion/lambdaruntime/pkg/handler"
	"github.com/wehubfusion/lambdaruntime/pkg/runtime"
	"github.com/wehubfusion/lambdaruntime/pkg/scripthandler"
)

func main() {
	runtime.StartWith[any](func(cfg config.Config, logger *zap.Logger) (handler.Handler[any], error) {
		return scripthandler.New(scripthandler.ConfigFrom(cfg.Function), logger.Named("script")), nil
	})
}
