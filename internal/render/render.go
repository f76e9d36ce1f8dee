// Package render expands the system variables of template patterns into
// concrete post content. Variables are the Korean date/time tokens the
// template editor offers; rendering happens at emission time so the values
// reflect the actual posting moment.
package render

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/postpilot/postpilot/internal/domain"
)

var weekdays = [...]string{"일요일", "월요일", "화요일", "수요일", "목요일", "금요일", "토요일"}

// Expand substitutes every system variable in pattern with its value at now.
// Unknown {{...}} tokens are left untouched.
func Expand(pattern string, now time.Time) string {
	r := strings.NewReplacer(
		"{{오늘날짜}}", now.Format("2006-01-02"),
		"{{년도}}", fmt.Sprintf("%d", now.Year()),
		"{{월}}", fmt.Sprintf("%d", int(now.Month())),
		"{{일}}", fmt.Sprintf("%d", now.Day()),
		"{{시간}}", now.Format("15:04"),
		"{{시}}", fmt.Sprintf("%d", now.Hour()),
		"{{분}}", now.Format("04"),
		"{{요일}}", weekdays[now.Weekday()],
	)
	return r.Replace(pattern)
}

// Post renders a template into the subject, body and ordered image list of
// one posting attempt.
func Post(tmpl *domain.Template, now time.Time) (subject, body string, images []domain.PostImage) {
	subject = Expand(tmpl.SubjectPattern, now)
	body = Expand(tmpl.BodyPattern, now)

	ordered := make([]domain.TemplateImage, len(tmpl.Images))
	copy(ordered, tmpl.Images)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	images = make([]domain.PostImage, 0, len(ordered))
	for _, img := range ordered {
		images = append(images, domain.PostImage{URL: img.URL, Order: img.Order})
	}
	return subject, body, images
}
