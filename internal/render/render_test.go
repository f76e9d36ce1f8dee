package render

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/postpilot/postpilot/internal/domain"
)

func TestExpand_SubstitutesAllTokens(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	// Monday, 2026-08-24 09:05 KST.
	now := time.Date(2026, 8, 24, 9, 5, 0, 0, loc)

	in := "{{오늘날짜}} {{년도}}년 {{월}}월 {{일}}일 {{요일}} {{시간}} ({{시}}시 {{분}}분)"
	got := Expand(in, now)
	require.Equal(t, "2026-08-24 2026년 8월 24일 월요일 09:05 (9시 05분)", got)
}

func TestExpand_LeavesUnknownTokens(t *testing.T) {
	now := time.Date(2026, 8, 24, 9, 5, 0, 0, time.UTC)
	require.Equal(t, "hello {{custom}}", Expand("hello {{custom}}", now))
}

func TestPost_OrdersImages(t *testing.T) {
	tmpl := &domain.Template{
		SubjectPattern: "subject {{년도}}",
		BodyPattern:    "body",
		Images: []domain.TemplateImage{
			{URL: "c.png", Order: 3},
			{URL: "a.png", Order: 1},
			{URL: "b.png", Order: 2},
		},
	}
	now := time.Date(2026, 8, 24, 9, 5, 0, 0, time.UTC)

	subject, body, images := Post(tmpl, now)
	require.Equal(t, "subject 2026", subject)
	require.Equal(t, "body", body)
	require.Len(t, images, 3)
	require.Equal(t, "a.png", images[0].URL)
	require.Equal(t, "b.png", images[1].URL)
	require.Equal(t, "c.png", images[2].URL)
}
