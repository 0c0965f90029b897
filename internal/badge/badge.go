// Package badge renders the status SVG for a job (§4.8): two adjacent
// rounded panels, the job name on a grey gradient and the result
// token on a green (success) or red (anything else) gradient.
package badge

import (
	"fmt"

	"kiln/pkg/model"
)

const svgTemplate = `
<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="20">
  <clipPath id="clip">
    <rect width="%d" height="20" rx="4"/>
  </clipPath>
  <linearGradient id="job" x1="0" x2="0" y1="0" y2="1">
    <stop offset="0" stop-color="#666" />
    <stop offset="1" stop-color="#333" />
  </linearGradient>
  <linearGradient id="status" x1="0" x2="0" y1="0" y2="1">
    <stop offset="0" stop-color="%s" />
    <stop offset="1" stop-color="%s" />
  </linearGradient>
  <g clip-path="url(#clip)" font-family="DejaVu Sans,Verdana,sans-serif" font-size="12" text-anchor="middle">
    <rect width="%d" height="20" fill="url(#job)"/>
    <text x="%d" y="14" fill="#fff">%s</text>
    <rect x="%d" width="%d" height="20" fill="url(#status)"/>
    <text x="%d" y="14" fill="#000">%s</text>
  </g>
</svg>`

// Render produces the badge SVG for job given its most recent
// completed result. Widths are an empirical approximation of pixel
// width (len*7+10), not a true text-metrics calculation.
func Render(job string, result model.Result) []byte {
	status := string(result)
	jobWidth := len(job)*7 + 10
	statusWidth := len(status)*7 + 10

	gradient1, gradient2 := "#ff2a2a", "#b42424"
	if result == model.ResultSuccess {
		gradient1, gradient2 = "#2aff4d", "#24b43c"
	}

	svg := fmt.Sprintf(svgTemplate,
		jobWidth+statusWidth, jobWidth+statusWidth, gradient1, gradient2,
		jobWidth, jobWidth/2+1, job,
		jobWidth, statusWidth, jobWidth+statusWidth/2, status,
	)
	return []byte(svg)
}
