package commentary

import (
	"regexp"
	"strings"
)

// ActionBuy is the only action currently extracted.
// TODO: handle sell alerts once a sell commentary sample is available.
const ActionBuy = "Buy"

var (
	buySectionRe   = regexp.MustCompile(`Buy .*? Today`)
	parenTickerRe  = regexp.MustCompile(`\(([A-Z]+)\)`)
	addingTickerRe = regexp.MustCompile(`Adding\s+([A-Z]+)`)
)

// ExtractTicker applies the title/body heuristics that recover a ticker
// symbol and trade action from a commentary. Both return values are empty
// when nothing matches; alerts still go out, just without the action line.
func ExtractTicker(title, body string) (ticker, action string) {
	switch {
	case title == "We're Buying and Selling Today":
		// Only the buy half is alerted; scan from the buy section onward.
		loc := buySectionRe.FindStringIndex(body)
		if loc == nil {
			return "", ""
		}
		if m := parenTickerRe.FindStringSubmatch(body[loc[0]:]); m != nil {
			return m[1], ActionBuy
		}

	case strings.Contains(title, "Buy") || strings.Contains(title, "BUY"):
		// Mixed buy/sell titles: skip past the buy (or hold) lead-in so the
		// first parenthesized symbol belongs to the buy side.
		if strings.Contains(strings.ToLower(title), "sell") {
			lower := strings.ToLower(body)
			if idx := strings.Index(lower, "buy"); idx >= 0 {
				body = body[idx+len("buy"):]
			} else if idx := strings.Index(lower, "hold"); idx >= 0 {
				body = body[idx+len("hold"):]
			}
		}
		if m := parenTickerRe.FindStringSubmatch(body); m != nil {
			return m[1], ActionBuy
		}

	case strings.Contains(title, "Adding"):
		if m := addingTickerRe.FindStringSubmatch(title); m != nil {
			return m[1], ActionBuy
		}
	}
	return "", ""
}
