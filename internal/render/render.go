// Package render renders alert-type templates into email bodies. This is
// the one part of the alert pipeline left on the standard library
// (text/template) rather than an ecosystem templating package — the
// retrieved pack's repos only ever reach for a template library when
// rendering user-facing HTML, and these are short, fixed-shape internal
// notification bodies with no untrusted input, so text/template's
// stdlib feature set already covers the need.
package render

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/aqiwatch/pipeline/internal/aqi"
)

// Data carries whatever a template needs about the triggering condition.
type Data struct {
	ConditionID string
	Severity    aqi.Severity
	Location    string
	AQI         int
	TriggeredAt string
	Detail      string
}

var templates = map[string]string{
	"api_failures":      "ALERT: {{.ConditionID}} ({{.Severity}})\nConsecutive upstream fetch failures detected at {{.TriggeredAt}}.\n{{.Detail}}\n",
	"high_pollution":     "ALERT: {{.ConditionID}} ({{.Severity}})\n{{.Location}} AQI reached {{.AQI}} at {{.TriggeredAt}}.\n{{.Detail}}\n",
	"extreme_pollution":   "ALERT: {{.ConditionID}} ({{.Severity}})\n{{.Location}} AQI reached EXTREME level {{.AQI}} at {{.TriggeredAt}}.\n{{.Detail}}\n",
	"queue_backlog":      "ALERT: {{.ConditionID}} ({{.Severity}})\nQueue backlog detected at {{.TriggeredAt}}.\n{{.Detail}}\n",
	"system_error_rate":  "ALERT: {{.ConditionID}} ({{.Severity}})\nSystem error rate elevated at {{.TriggeredAt}}.\n{{.Detail}}\n",
	"storage_usage":      "ALERT: {{.ConditionID}} ({{.Severity}})\nStorage usage threshold crossed at {{.TriggeredAt}}.\n{{.Detail}}\n",
}

// Render produces an email body for the named alert type.
func Render(conditionID string, data Data) (string, error) {
	tmplText, ok := templates[conditionID]
	if !ok {
		return "", fmt.Errorf("render: no template for condition %q", conditionID)
	}
	tmpl, err := template.New(conditionID).Parse(tmplText)
	if err != nil {
		return "", fmt.Errorf("render: parse %q: %w", conditionID, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render: execute %q: %w", conditionID, err)
	}
	return buf.String(), nil
}
