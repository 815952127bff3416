package diag

import (
	"context"

	"github.com/hpcloud/tail"
)

// PublishFunc matches eventlog.Log.Publish's signature without importing
// that package here, keeping diag a leaf dependency; daemon wiring passes
// the real Log.Publish method in directly.
type PublishFunc func(eventType string, payload map[string]interface{})

// TracePacketFile tails path (the diagnostics packet-trace file enabled by
// the packet-trace environment variable) and republishes each line as a
// diag_trace event, the same tail-and-republish pattern the teacher's
// web/log.go PublishLogs used for service log files.
func TracePacketFile(ctx context.Context, path string, publish PublishFunc) error {
	if path == "" {
		return nil
	}

	t, err := tail.TailFile(path, tail.Config{Follow: true, ReOpen: true, Poll: true})
	if err != nil {
		return Humanize(err, "failed to start packet trace tailer")
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case line, ok := <-t.Lines:
				if !ok {
					return
				}

				publish("diag_trace", map[string]interface{}{"line": line.Text})
			}
		}
	}()

	return nil
}
