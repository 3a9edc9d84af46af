package scheduler

import (
	"fmt"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
)

// RenderStatusTable 渲染任务统计表，按任务名排序。
func RenderStatusTable(st Status) string {
	names := make([]string, 0, len(st.Jobs))
	for name := range st.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"任务", "必需", "成功", "失败", "跳过", "错过", "成功率", "上次", "下次"})
	for _, name := range names {
		js := st.Jobs[name]
		required := ""
		if js.Required {
			required = "✓"
		}
		t.AppendRow(table.Row{
			name, required, js.Successes, js.Failures, js.Skipped, js.Misfires,
			fmt.Sprintf("%.0f%%", js.SuccessRate()*100),
			formatTime(js.LastRun), formatTime(js.NextRun),
		})
	}
	return t.Render()
}
