package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// RegisterSystemTool wires the host status readout. The assistant runs on the
// user's own server, so "how is the box doing" is an ordinary question.
func RegisterSystemTool(r *Registry) {
	r.MustRegister(Definition{
		Name:        "system_status",
		Description: "Report host uptime, load average and memory usage for the server this assistant runs on.",
		Permission:  PermSystemRead,
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
		Handler: func(ctx context.Context, _ map[string]any) (string, error) {
			var sb strings.Builder

			if up, err := host.UptimeWithContext(ctx); err == nil {
				sb.WriteString(fmt.Sprintf("Uptime: %s\n", (time.Duration(up) * time.Second).String()))
			}
			if avg, err := load.AvgWithContext(ctx); err == nil {
				sb.WriteString(fmt.Sprintf("Load average: %.2f %.2f %.2f\n", avg.Load1, avg.Load5, avg.Load15))
			}
			if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
				sb.WriteString(fmt.Sprintf("Memory: %.1f%% used (%d MiB of %d MiB)\n",
					vm.UsedPercent, vm.Used/1024/1024, vm.Total/1024/1024))
			}

			out := strings.TrimSpace(sb.String())
			if out == "" {
				return "", NewToolError(ErrorCodeUpstream, "system metrics unavailable")
			}
			return out, nil
		},
	})
}
