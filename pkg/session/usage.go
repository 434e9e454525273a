package session

import (
	"regexp"
	"strconv"
)

// Usage is the org-wide API request consumption reported in the
// Sforce-Limit-Info response header.
type Usage struct {
	Used  int
	Total int
}

// PerAppUsage is the connected-app scoped API request consumption.
type PerAppUsage struct {
	Used  int
	Total int
	Name  string
}

// Header shapes:
//   api-usage=18/5000
//   api-usage=25/5000; per-app-api-usage=17/250(appName=sample-connected-app)
var (
	apiUsageRe    = regexp.MustCompile(`[^-]?api-usage=(\d+)/(\d+)`)
	perAppUsageRe = regexp.MustCompile(`.+per-app-api-usage=(\d+)/(\d+)\(appName=(.+)\)`)
)

// ParseAPIUsage parses the Sforce-Limit-Info header value. Either result may
// be nil when its section is absent.
func ParseAPIUsage(info string) (*Usage, *PerAppUsage) {
	var usage *Usage
	var appUsage *PerAppUsage

	if m := apiUsageRe.FindStringSubmatch(info); m != nil {
		used, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		usage = &Usage{Used: used, Total: total}
	}

	if m := perAppUsageRe.FindStringSubmatch(info); m != nil {
		used, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		appUsage = &PerAppUsage{Used: used, Total: total, Name: m[3]}
	}

	return usage, appUsage
}
