package reconcile

import "strings"

// parseUserAgent does a coarse classification of the clicking device. The
// gateway forwards the raw header; anything unrecognised stays empty.
func parseUserAgent(ua string) (device, browser, osName string) {
	if ua == "" {
		return "", "", ""
	}
	lower := strings.ToLower(ua)

	switch {
	case strings.Contains(lower, "ipad"):
		device, osName = "tablet", "iOS"
	case strings.Contains(lower, "iphone"):
		device, osName = "mobile", "iOS"
	case strings.Contains(lower, "android"):
		osName = "Android"
		if strings.Contains(lower, "mobile") {
			device = "mobile"
		} else {
			device = "tablet"
		}
	case strings.Contains(lower, "windows"):
		device, osName = "desktop", "Windows"
	case strings.Contains(lower, "mac os x"), strings.Contains(lower, "macintosh"):
		device, osName = "desktop", "macOS"
	case strings.Contains(lower, "linux"):
		device, osName = "desktop", "Linux"
	}

	switch {
	case strings.Contains(lower, "edg/"):
		browser = "Edge"
	case strings.Contains(lower, "opr/"), strings.Contains(lower, "opera"):
		browser = "Opera"
	case strings.Contains(lower, "chrome/"), strings.Contains(lower, "crios/"):
		browser = "Chrome"
	case strings.Contains(lower, "firefox/"), strings.Contains(lower, "fxios/"):
		browser = "Firefox"
	case strings.Contains(lower, "safari/"):
		browser = "Safari"
	}
	return device, browser, osName
}
