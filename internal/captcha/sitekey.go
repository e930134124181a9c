package captcha

import (
	"bytes"

	"github.com/PuerkitoBio/goquery"
)

// ExtractSiteKey pulls the reCAPTCHA/hCaptcha site key out of a challenge
// page. Both widgets announce it via a data-sitekey attribute.
// Returns "" when no key is present (e.g. an image CAPTCHA we can't solve).
func ExtractSiteKey(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	if key, ok := doc.Find("[data-sitekey]").First().Attr("data-sitekey"); ok {
		return key
	}
	return ""
}
