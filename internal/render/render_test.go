package render

import (
	"strings"
	"testing"

	"github.com/shohag/driprelay/internal/models"
)

func TestFormatContent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "  ", ""},
		{"paragraphs", "Hello there.\nSecond line.\n\nNew paragraph.", "<p>Hello there.<br>Second line.</p><p>New paragraph.</p>"},
		{"numbered list", "1. Mix\n2. Knead\n3. Bake", "<ol><li>Mix</li><li>Knead</li><li>Bake</li></ol>"},
		{"bullets after text", "You need:\n\n- flour\n- water", "<p>You need:</p><ul><li>flour</li><li>water</li></ul>"},
		{"escapes", "a < b & c", "<p>a &lt; b &amp; c</p>"},
		{"html passes through", "<p>Already <b>formatted</b></p>", "<p>Already <b>formatted</b></p>"},
		{"crlf", "one\r\ntwo", "<p>one<br>two</p>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatContent(tt.in); got != tt.want {
				t.Errorf("FormatContent = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRender(t *testing.T) {
	item := models.Item{
		ID:      "itm_1",
		Subject: "Day 1 <starter>",
		Sections: []models.SectionContent{
			{Name: "intro", Content: "Hi Ada"},
			{Name: "body", Content: "- feed\n- wait"},
		},
	}
	out, err := Render(item, map[string]string{"name": "Ada", "intro": "override"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out.Subject != "Day 1 <starter>" {
		t.Errorf("subject = %q", out.Subject)
	}
	if !strings.Contains(out.HTML, "<title>Day 1 &lt;starter&gt;</title>") {
		t.Errorf("subject not escaped in body: %s", out.HTML)
	}
	if !strings.Contains(out.HTML, `<div class="section section-body"><ul><li>feed</li><li>wait</li></ul></div>`) {
		t.Errorf("body section missing: %s", out.HTML)
	}
	if out.Params["subject"] != item.Subject || out.Params["name"] != "Ada" {
		t.Errorf("params = %v", out.Params)
	}
	if out.Params["intro"] != "override" {
		t.Errorf("inputs should win on collision, got %q", out.Params["intro"])
	}
	if out.Params["body"] != "<ul><li>feed</li><li>wait</li></ul>" {
		t.Errorf("body param = %q", out.Params["body"])
	}
}
