package serve

import (
	"log/slog"

	"github.com/coder/graphchat/lib/engine"
)

func logState(logger *slog.Logger, eng *engine.Engine) {
	snap := eng.Snapshot()
	attrs := []any{
		"threads", len(snap.Threads),
		"activeThreadId", snap.ActiveThreadID,
		"messages", len(snap.Messages),
		"streaming", snap.IsStreaming,
		"node", snap.CurrentNode,
	}
	if snap.CurrentInterrupt != nil {
		attrs = append(attrs, "interrupt", snap.CurrentInterrupt.UI)
	}
	logger.Info("Engine state", attrs...)
}
