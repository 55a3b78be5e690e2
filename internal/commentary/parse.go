package commentary

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Selectors locates commentary content inside the rendered page. The zero
// value is not usable; start from DefaultSelectors.
type Selectors struct {
	// Marker is the element whose presence means the commentary has loaded.
	Marker string `mapstructure:"marker"`
	// Title and Body are selected relative to the whole document.
	Title string `mapstructure:"title"`
	Body  string `mapstructure:"body"`
}

// DefaultSelectors returns the selectors for the commentary page layout.
func DefaultSelectors() Selectors {
	return Selectors{
		Marker: "#cdate-most-recent",
		Title:  "#cdate-most-recent > article > div > h2",
		Body:   "#cdate-most-recent > article > div",
	}
}

// Parse extracts the title and body from a rendered commentary page. It
// returns ok=false when either is missing or empty, which callers treat as
// "content not yet available" rather than an error.
func Parse(html string, resourceID int64, sel Selectors) (Commentary, bool, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Commentary{}, false, fmt.Errorf("parse commentary html: %w", err)
	}

	title := strings.TrimSpace(doc.Find(sel.Title).First().Text())
	body := strings.TrimSpace(doc.Find(sel.Body).First().Text())
	if title == "" || body == "" {
		return Commentary{}, false, nil
	}

	// The body selector includes the heading; drop the first occurrence.
	if idx := strings.Index(body, title); idx >= 0 {
		body = strings.TrimSpace(body[:idx] + body[idx+len(title):])
	}
	if body == "" {
		return Commentary{}, false, nil
	}

	return Commentary{ResourceID: resourceID, Title: title, Body: body}, true, nil
}

var denyMinutesRe = regexp.MustCompile(`(\d+)\s*minutes`)

// DefaultDenyCooldownMinutes is assumed when the deny page does not state a
// restore time.
const DefaultDenyCooldownMinutes = 15

// DetectDeny reports whether the page is the access-denied interstitial and,
// if so, for how many minutes access is suspended. The page usually reads
// "will be restored in approximately: N minutes".
func DetectDeny(html string) (bool, int) {
	if !strings.Contains(html, "Access Denied") {
		return false, 0
	}
	minutes := DefaultDenyCooldownMinutes
	if strings.Contains(html, "will be restored in approximately:") {
		if m := denyMinutesRe.FindStringSubmatch(html); m != nil {
			var parsed int
			if _, err := fmt.Sscanf(m[1], "%d", &parsed); err == nil && parsed > 0 {
				minutes = parsed
			}
		}
	}
	return true, minutes
}
