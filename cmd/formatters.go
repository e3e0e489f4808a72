package cmd

import (
	"fmt"
	"strings"
	"time"

	"hostguard/core"
	"hostguard/detect"
	"hostguard/storage"

	"github.com/fatih/color"
)

// severityColor picks the display color for a severity
func severityColor(s core.Severity) *color.Color {
	switch s {
	case core.SeverityCritical:
		return color.New(color.FgRed, color.Bold)
	case core.SeverityHigh:
		return color.New(color.FgRed)
	case core.SeverityMedium:
		return color.New(color.FgYellow)
	case core.SeverityLow:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgWhite)
	}
}

// renderAlertsTable displays alerts in a formatted table
func renderAlertsTable(alerts []*core.Alert) {
	if len(alerts) == 0 {
		warningColor.Println("No alerts found")
		return
	}

	headerColor.Println("ALERTS")
	headerColor.Println(strings.Repeat("=", 120))
	fmt.Printf("%-10s %-20s %-10s %-11s %-18s %-8s %s\n",
		"ID", "Created", "Rule", "Severity", "Host", "PID", "Name")
	fmt.Println(strings.Repeat("-", 120))

	for _, a := range alerts {
		fmt.Printf("%-10s %-20s %-10s ", truncate(a.ID, 8), a.CreatedAt.Local().Format("2006-01-02 15:04:05"), a.RuleID)
		severityColor(a.Severity).Printf("%-11s ", strings.ToUpper(a.Severity.String()))
		fmt.Printf("%-18s %-8d %s\n", truncate(a.HostID, 18), a.ProcessID, truncate(a.RuleName, 40))
	}

	fmt.Println(strings.Repeat("=", 120))
	infoColor.Printf("Total: %d alerts\n", len(alerts))
}

// renderAlertDetails displays one alert with its evidence
func renderAlertDetails(a *core.Alert) {
	headerColor.Println("═══════════════════════════════════════════════════════════════")
	headerColor.Printf("  Alert: %s\n", a.RuleName)
	headerColor.Println("═══════════════════════════════════════════════════════════════")

	fmt.Printf("  ID:          %s\n", a.ID)
	fmt.Printf("  Rule:        %s (%s)\n", a.RuleID, a.Kind)
	fmt.Print("  Severity:    ")
	severityColor(a.Severity).Println(strings.ToUpper(a.Severity.String()))
	fmt.Printf("  Host:        %s\n", a.HostID)
	fmt.Printf("  Process:     %d\n", a.ProcessID)
	fmt.Printf("  Created:     %s (%s)\n", a.CreatedAt.Format(time.RFC3339), formatTimeSince(a.CreatedAt))
	if a.Description != "" {
		fmt.Printf("  Description: %s\n", a.Description)
	}
	if len(a.MitreTactics) > 0 || len(a.MitreTechniques) > 0 {
		fmt.Printf("  MITRE:       %s %s\n", strings.Join(a.MitreTactics, ","), strings.Join(a.MitreTechniques, ","))
	}
	if a.RecommendedAction != "" {
		fmt.Printf("  Action:      %s\n", a.RecommendedAction)
	}

	printSection("Process Chain")
	// Chain is stored newest first; print from the root down
	for i := range a.ProcessChain {
		p := a.ProcessChain[len(a.ProcessChain)-1-i]
		marker := ""
		if p.Inferred {
			marker = " (inferred)"
		}
		fmt.Printf("  %s%d %s%s\n", strings.Repeat("  ", i), p.ProcessID, p.ImagePath, marker)
		if p.CommandLine != "" {
			fmt.Printf("  %s  %s\n", strings.Repeat("  ", i), truncate(p.CommandLine, 100))
		}
	}

	printSection("Triggering Events")
	for _, ev := range a.TriggeringEvents {
		fmt.Printf("  %s  %-8s %s\n", ev.Timestamp.Format(time.RFC3339Nano), ev.Kind, describeEvent(ev))
	}
	fmt.Println()
}

// describeEvent summarizes an event payload on one line
func describeEvent(ev core.Event) string {
	switch {
	case ev.Process != nil:
		return fmt.Sprintf("%s %s", ev.Process.Action, truncate(ev.Process.CommandLine, 80))
	case ev.Network != nil:
		return fmt.Sprintf("%s %s %s:%d", ev.Network.Direction, ev.Network.Protocol, ev.Network.RemoteAddress, ev.Network.RemotePort)
	case ev.Registry != nil:
		return fmt.Sprintf("%s %s", ev.Registry.Action, ev.Registry.KeyPath)
	}
	return ""
}

// renderRulesTable displays detection rules
func renderRulesTable(rules []core.DetectionRule) {
	if len(rules) == 0 {
		warningColor.Println("No rules loaded")
		return
	}

	headerColor.Println("DETECTION RULES")
	headerColor.Println(strings.Repeat("=", 110))
	fmt.Printf("%-10s %-45s %-11s %-8s %s\n", "ID", "Name", "Severity", "Enabled", "Techniques")
	fmt.Println(strings.Repeat("-", 110))

	enabled := 0
	for _, r := range rules {
		state := "No"
		if r.Enabled {
			state = "Yes"
			enabled++
		}
		fmt.Printf("%-10s %-45s ", r.ID, truncate(r.Name, 44))
		severityColor(r.Severity).Printf("%-11s ", strings.ToUpper(r.Severity.String()))
		fmt.Printf("%-8s %s\n", state, strings.Join(r.MitreTechniques, ","))
	}

	fmt.Println(strings.Repeat("=", 110))
	infoColor.Printf("Total: %d rules (%d enabled)\n", len(rules), enabled)
}

// renderCorrelationTable displays the correlation patterns
func renderCorrelationTable(catalogue []core.CorrelationDescriptor, disabled []string) {
	off := make(map[string]bool, len(disabled))
	for _, id := range disabled {
		off[id] = true
	}

	headerColor.Println("CORRELATION PATTERNS")
	headerColor.Println(strings.Repeat("=", 110))
	fmt.Printf("%-10s %-45s %-11s %-8s %s\n", "ID", "Name", "Severity", "Enabled", "Techniques")
	fmt.Println(strings.Repeat("-", 110))
	for _, d := range catalogue {
		state := "Yes"
		if off[d.ID] {
			state = "No"
		}
		fmt.Printf("%-10s %-45s ", d.ID, truncate(d.Name, 44))
		severityColor(d.Severity).Printf("%-11s ", strings.ToUpper(d.Severity.String()))
		fmt.Printf("%-8s %s\n", state, strings.Join(d.MitreTechniques, ","))
	}
	fmt.Println(strings.Repeat("=", 110))
}

// renderDeadLetters displays rejected input records
func renderDeadLetters(records []storage.DeadLetter) {
	if len(records) == 0 {
		successColor.Println("No dead letters")
		return
	}

	headerColor.Println("DEAD LETTERS")
	headerColor.Println(strings.Repeat("=", 120))
	fmt.Printf("%-8s %-20s %-16s %-40s %s\n", "ID", "Received", "Source", "Reason", "Record")
	fmt.Println(strings.Repeat("-", 120))
	for _, d := range records {
		fmt.Printf("%-8d %-20s %-16s %-40s %s\n",
			d.ID, d.ReceivedAt.Local().Format("2006-01-02 15:04:05"), truncate(d.Source, 16),
			truncate(d.Reason, 40), truncate(strings.TrimSpace(string(d.Raw)), 30))
	}
	fmt.Println(strings.Repeat("=", 120))
}

// renderRunSummary prints pipeline counters after a run
func renderRunSummary(stats detect.DispatcherStats, elapsed time.Duration) {
	if stats.Malformed > 0 || stats.Dropped > 0 || stats.SinkFailures > 0 {
		warningColor.Println("⚠ Run finished with rejected or lost work")
	} else {
		successColor.Println("✓ Run finished")
	}
	fmt.Printf("  Events:         %d submitted, %d processed in %s\n",
		stats.Submitted, stats.Processed, elapsed.Round(time.Millisecond))
	fmt.Printf("  Malformed:      %d\n", stats.Malformed)
	fmt.Printf("  Dropped:        %d\n", stats.Dropped)
	fmt.Printf("  Alerts:         %d emitted, %d suppressed\n", stats.AlertsEmitted, stats.Suppressed)
	if stats.SinkFailures > 0 {
		errorColor.Printf("  Sink failures:  %d\n", stats.SinkFailures)
	}
	if stats.Panics > 0 {
		errorColor.Printf("  Panics:         %d\n", stats.Panics)
	}
}

// printSection prints a section header
func printSection(title string) {
	fmt.Println()
	headerColor.Printf("  %s\n", title)
	headerColor.Println("  " + strings.Repeat("─", len(title)))
}

// formatTimeSince formats a time as relative duration
func formatTimeSince(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}

	duration := time.Since(t)
	if duration < time.Minute {
		return fmt.Sprintf("%ds ago", int(duration.Seconds()))
	}
	if duration < time.Hour {
		return fmt.Sprintf("%dm ago", int(duration.Minutes()))
	}
	if duration < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(duration.Hours()))
	}
	days := int(duration.Hours() / 24)
	if days == 1 {
		return "1 day ago"
	}
	return fmt.Sprintf("%d days ago", days)
}

// truncate shortens s to n runes with an ellipsis
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
