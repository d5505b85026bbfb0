package main

import (
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"icvmapper/pkg/pipeline"
)

// renderSummary formats a finished run as a two-column field/value table.
func renderSummary(res *pipeline.Result) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle("icvmapper " + res.Subject)
	tw.AppendHeader(table.Row{"Field", "Value"})
	tw.AppendRows(summaryRows(res))
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Field", Align: text.AlignLeft},
		{Name: "Value", Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render() + "\n"
}

func summaryRows(res *pipeline.Result) []table.Row {
	ml := func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }

	rows := []table.Row{
		{"Run", res.RunID},
		{"Model", res.Family},
		{"Orientation", res.Orientation},
		{"Reoriented", res.Reoriented},
		{"Samples", res.Samples},
		{"Voxels", res.Stats.Voxels},
		{"Volume (mL)", ml(res.Stats.VolumeML)},
		{"Mean intensity", ml(res.Intensity.Mean)},
		{"Empty mask", res.Empty},
	}
	if res.WocStats != nil {
		rows = append(rows, table.Row{"Volume w/o cerebellum (mL)", ml(res.WocStats.VolumeML)})
	}
	return append(rows,
		table.Row{"Prediction", res.Artifact("prediction")},
		table.Row{"Probability", res.Artifact("probability")},
		table.Row{"Duration", res.Duration.Round(time.Millisecond).String()},
	)
}
