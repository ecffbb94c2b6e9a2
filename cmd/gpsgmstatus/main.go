/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// gpsgmstatus is a small read-only CLI that scrapes a running gpsgmd's
// /metrics endpoint and renders it as a colorized health table, in the
// style of ptpcheck's diag and sources subcommands.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
)

var addressFlag string

// status is a three-way health verdict, colorized for terminal output.
type status int

const (
	ok status = iota
	warn
	fail
)

func (s status) String() string {
	switch s {
	case ok:
		return color.GreenString("[ OK ]")
	case warn:
		return color.YellowString("[WARN]")
	default:
		return color.RedString("[FAIL]")
	}
}

func fetchCounters(address string) (map[string]float64, error) {
	resp, err := http.Get(address)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", address, err)
	}
	defer resp.Body.Close()

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing metrics from %s: %w", address, err)
	}

	out := map[string]float64{}
	for name, family := range families {
		for _, m := range family.GetMetric() {
			if g := m.GetGauge(); g != nil {
				out[name] = g.GetValue()
			}
		}
	}
	return out, nil
}

// modeNames mirrors disciplinor.Mode's numbering, with its String() names
// lower-cased. They are duplicated here rather
// than imported so this CLI stays independent of the daemon's process
// memory and only ever talks to it over /metrics.
var modeNames = []string{
	"acquire-alignment",
	"capture-frequency-bias",
	"track-and-correct-drift",
	"holdover",
	"reacquire",
}

func modeName(v float64) string {
	i := int(v)
	if i < 0 || i >= len(modeNames) {
		return fmt.Sprintf("unknown(%d)", i)
	}
	return modeNames[i]
}

func checkCounter(name string, counters map[string]float64, warnAbove, failAbove float64) (status, string) {
	v, present := counters[name]
	if !present {
		return warn, "not reported"
	}
	switch {
	case v > failAbove:
		return fail, color.RedString("%.0f", v)
	case v > warnAbove:
		return warn, color.YellowString("%.0f", v)
	default:
		return ok, color.GreenString("%.0f", v)
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	counters, err := fetchCounters(addressFlag)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"check", "status", "value"})

	type row struct {
		name       string
		metric     string
		warn, fail float64
	}
	rows := []row{
		{"missed PPS ticks", "gpsgm_missing_ticks", 1, 10},
		{"wake latency SLA breaches", "gpsgm_wake_latency_sla_breach", 1, 10},
		{"clock read errors", "gpsgm_clock_read_error", 0, 1},
	}
	for _, r := range rows {
		st, val := checkCounter(r.metric, counters, r.warn, r.fail)
		table.Append([]string{r.name, st.String(), val})
	}

	if v, present := counters["gpsgm_servo_mode"]; present {
		name := modeName(v)
		switch name {
		case "track-and-correct-drift":
			name = color.GreenString("%s", name)
		case "holdover":
			name = color.YellowString("%s", name)
		case "reacquire":
			name = color.RedString("%s", name)
		}
		table.Append([]string{"servo mode", ok.String(), name})
	} else {
		table.Append([]string{"servo mode", warn.String(), "not reported"})
	}
	if v, present := counters["gpsgm_pps_seq"]; present {
		table.Append([]string{"last PPS sequence", ok.String(), fmt.Sprintf("%.0f", v)})
	}
	if v, present := counters["gpsgm_frequency_total_ppb"]; present {
		table.Append([]string{"frequency steering (ppb)", ok.String(), fmt.Sprintf("%.1f", v)})
	}

	table.Render()
	return nil
}

func main() {
	root := &cobra.Command{
		Use:   "gpsgmstatus",
		Short: "inspect a running gpsgmd's health over its metrics endpoint",
		RunE:  runStatus,
	}
	root.Flags().StringVarP(&addressFlag, "address", "a", "http://localhost:9981/metrics", "gpsgmd metrics endpoint to scrape")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
