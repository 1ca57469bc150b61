// Package refund decides from an order's logs and status fields whether the
// order has entered a refund state.
package refund

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ZRnown/dingdanBot/internal/models"
)

// Status is the keyword that matched, e.g. "已退款".
type Status string

func (s Status) String() string { return string(s) }

// Detector is the single place refund wording is interpreted.
type Detector interface {
	// Terminal returns the terminal refund status of o, if any.
	Terminal(o models.Order) (Status, bool)
	// Refunding reports whether o is already refunding or refunded, using
	// a broader rule than Terminal.
	Refunding(o models.Order) bool
}

var (
	DefaultTerminalKeywords  = []string{"退单中", "已退款", "已退单"}
	DefaultRefundingKeywords = []string{"退单中", "已退款", "已退单", "退款中", "退单"}
)

type KeywordDetector struct {
	TerminalKeywords  []string
	RefundingKeywords []string
}

func NewKeywordDetector() *KeywordDetector {
	return &KeywordDetector{
		TerminalKeywords:  DefaultTerminalKeywords,
		RefundingKeywords: DefaultRefundingKeywords,
	}
}

// Terminal scans the log entries newest first, then OrderStatusText. Logs that
// are not a JSON array are searched as plain text.
func (d *KeywordDetector) Terminal(o models.Order) (Status, bool) {
	keywords := d.terminal()
	if kw, ok := scanLogs(o.Logs, keywords); ok {
		return Status(kw), true
	}
	if kw, ok := firstKeyword(o.OrderStatusText, keywords); ok {
		return Status(kw), true
	}
	return "", false
}

func (d *KeywordDetector) Refunding(o models.Order) bool {
	if o.OrderStatus < 0 {
		return true
	}
	_, ok := firstKeyword(o.Logs, d.refunding())
	return ok
}

func (d *KeywordDetector) terminal() []string {
	if d == nil || len(d.TerminalKeywords) == 0 {
		return DefaultTerminalKeywords
	}
	return d.TerminalKeywords
}

func (d *KeywordDetector) refunding() []string {
	if d == nil || len(d.RefundingKeywords) == 0 {
		return DefaultRefundingKeywords
	}
	return d.RefundingKeywords
}

func scanLogs(raw string, keywords []string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if !gjson.Valid(raw) {
		return firstKeyword(raw, keywords)
	}
	parsed := gjson.Parse(raw)
	if !parsed.IsArray() {
		if parsed.Type == gjson.String {
			return firstKeyword(parsed.String(), keywords)
		}
		return firstKeyword(raw, keywords)
	}
	entries := parsed.Array()
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		content := entry.String()
		if entry.IsObject() {
			content = entry.Get("content").String()
		}
		if kw, ok := firstKeyword(content, keywords); ok {
			return kw, true
		}
	}
	return "", false
}

func firstKeyword(text string, keywords []string) (string, bool) {
	if text == "" {
		return "", false
	}
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, kw) {
			return kw, true
		}
	}
	return "", false
}
