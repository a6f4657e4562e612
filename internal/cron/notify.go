package cron

import (
	"context"
	"fmt"
	"strings"

	checkpointv1 "github.com/devsisters/checkpoint/api/v1"
)

// Notifier is the external notification sink Checkpoint hands rendered
// payloads to. Slack/HTTP transports are out of scope (spec.md §1); this
// interface is the seam they plug into.
type Notifier interface {
	Notify(ctx context.Context, policyName, title, body string) error
}

// renderTemplate substitutes {policy.name} and {output.<field>} in tmpl.
// An unresolved {output.<field>} placeholder (the field wasn't present in
// output) is left in the string and reported via the second return value,
// per spec.md §4.6 step 5's fail-and-log contract.
func renderTemplate(tmpl string, policy checkpointv1.CronPolicy, output map[string]any) (string, []string) {
	var unresolved []string
	var b strings.Builder

	i := 0
	for i < len(tmpl) {
		open := strings.IndexByte(tmpl[i:], '{')
		if open < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		open += i
		close := strings.IndexByte(tmpl[open:], '}')
		if close < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		close += open

		b.WriteString(tmpl[i:open])
		field := tmpl[open+1 : close]
		value, ok := resolveField(field, policy, output)
		if ok {
			b.WriteString(value)
		} else {
			unresolved = append(unresolved, field)
			b.WriteString(tmpl[open : close+1])
		}
		i = close + 1
	}

	return b.String(), unresolved
}

func resolveField(field string, policy checkpointv1.CronPolicy, output map[string]any) (string, bool) {
	switch field {
	case "policy.name":
		return policy.Name, true
	}

	const outputPrefix = "output."
	if strings.HasPrefix(field, outputPrefix) {
		key := strings.TrimPrefix(field, outputPrefix)
		v, ok := output[key]
		if !ok {
			return "", false
		}
		return fmt.Sprintf("%v", v), true
	}

	return "", false
}
