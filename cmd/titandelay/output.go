// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hemant/titandelay"
	"gopkg.in/yaml.v3"
)

type outputFormat string

const (
	outputTable outputFormat = "table"
	outputJSON  outputFormat = "json"
	outputYAML  outputFormat = "yaml"
)

func parseOutputFormat(s string) (outputFormat, error) {
	switch strings.ToLower(s) {
	case "table", "":
		return outputTable, nil
	case "json":
		return outputJSON, nil
	case "yaml", "yml":
		return outputYAML, nil
	}
	return "", fmt.Errorf("unknown output format: %s (supported: table, json, yaml)", s)
}

// printer writes command results in the selected format.
type printer struct {
	format outputFormat
	w      io.Writer
}

// structured writes v as JSON or YAML and reports whether it did.
func (p *printer) structured(v interface{}) (bool, error) {
	switch p.format {
	case outputJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(v)
	}
	return false, nil
}

func (p *printer) table(headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	return tw
}

func (p *printer) topics(infos []*titandelay.TopicInfo) error {
	if ok, err := p.structured(infos); ok {
		return err
	}
	tw := p.table("CHANNEL", "SCHEDULED", "READY", "LEASED")
	for _, info := range infos {
		for _, part := range info.Partitions {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", part.Channel, part.Scheduled, part.Ready, part.Leased)
		}
		fmt.Fprintf(tw, "%s (total, %d dead letters)\t%d\t%d\t%d\n",
			info.Topic, info.DeadLetters, info.Scheduled, info.Ready, info.Leased)
	}
	return tw.Flush()
}

func (p *printer) leases(leases []*titandelay.LeaseInfo) error {
	if ok, err := p.structured(leases); ok {
		return err
	}
	tw := p.table("ID", "CHANNEL", "CLAIMED", "CONTENT")
	for _, l := range leases {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", l.ID, l.Channel, formatTime(l.ClaimedAt), truncate(l.Content, 60))
	}
	return tw.Flush()
}

func (p *printer) deadLetters(dls []*titandelay.DeadLetter) error {
	if ok, err := p.structured(dls); ok {
		return err
	}
	tw := p.table("ID", "RECORDED", "ATTEMPTS", "ERROR", "CONTENT")
	for _, d := range dls {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			d.ID, formatTime(d.RecordedAt), d.RetryCount, truncate(d.Error, 40), truncate(d.Content, 40))
	}
	return tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
