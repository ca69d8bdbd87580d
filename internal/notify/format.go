package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/rebalancer/internal/domain"
	"github.com/aristath/rebalancer/internal/events"
)

// FormatAccountResult renders the outcome of one account execution,
// followed by a warnings message when there are any
func FormatAccountResult(d *events.AccountExecutionCompletedData, at time.Time) []Message {
	operation := operationTitle(d.ExecKind)
	lines := []string{
		"Account: " + d.AccountID,
		"Strategy: " + d.StrategyName,
		"Operation: " + d.ExecKind,
		"Time: " + at.Format("2006-01-02 15:04:05 MST"),
		"",
	}

	var msgs []Message
	switch {
	case d.Success && domain.ExecKind(d.ExecKind).IsPreview():
		lines = append(lines,
			fmt.Sprintf("Proposed Trades: %d", d.TradeCount),
			"Current Value: "+money(d.TotalValue),
		)
		msgs = append(msgs, Message{Title: operation + " Success", Body: strings.Join(lines, "\n"), Tags: []string{"white_check_mark"}})
	case d.Success:
		lines = append(lines,
			fmt.Sprintf("Trades Executed: %d", d.TradeCount),
			"Portfolio Value: "+money(d.TotalValue),
			"Cash Balance: "+money(d.CashBalance),
		)
		msgs = append(msgs, Message{Title: operation + " Success", Body: strings.Join(lines, "\n"), Tags: []string{"white_check_mark"}})
	case d.NextAllowed != nil:
		lines = append(lines,
			"Blocked by PDT protection",
			"Next allowed: "+d.NextAllowed.In(at.Location()).Format("2006-01-02 15:04 MST"),
		)
		msgs = append(msgs, Message{Title: operation + " Delayed", Body: strings.Join(lines, "\n"), Tags: []string{"hourglass"}})
	default:
		errText := d.Error
		if errText == "" {
			errText = "Unknown error"
		}
		lines = append(lines, "Error: "+errText)
		if d.ErrorKind != "" {
			lines = append(lines, "Kind: "+d.ErrorKind)
		}
		msgs = append(msgs, Message{Title: operation + " Failed", Body: strings.Join(lines, "\n"), Tags: []string{"x"}, Priority: "high"})
	}

	if len(d.Warnings) > 0 {
		msgs = append(msgs, formatWarnings(d, operation))
	}
	return msgs
}

func formatWarnings(d *events.AccountExecutionCompletedData, operation string) Message {
	lines := []string{
		"Account: " + d.AccountID,
		"Strategy: " + d.StrategyName,
		"Operation: " + d.ExecKind,
		"",
		"Warnings:",
		"",
	}
	for i, w := range d.Warnings {
		if len(d.Warnings) > 1 {
			w = fmt.Sprintf("%d. %s", i+1, w)
		}
		lines = append(lines, w, "")
	}
	return Message{
		Title: operation + " Warnings",
		Body:  strings.TrimRight(strings.Join(lines, "\n"), "\n"),
		Tags:  []string{"warning"},
	}
}

// operationTitle turns "print-rebalance" into "Print Rebalance"
func operationTitle(kind string) string {
	words := strings.Fields(strings.ReplaceAll(kind, "-", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	if len(words) == 0 {
		return "Execution"
	}
	return strings.Join(words, " ")
}

// money formats a dollar amount with thousands separators
func money(v float64) string {
	s := decimal.NewFromFloat(v).Abs().StringFixed(2)
	whole, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	for i, c := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	sign := ""
	if v < 0 && s != "0.00" {
		sign = "-"
	}
	return sign + "$" + b.String() + "." + frac
}
