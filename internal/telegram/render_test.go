package telegram

import "testing"

func TestRenderHTML(t *testing.T) {
	tests := []struct {
		name string
		md   string
		want string
	}{
		{"plain", "just text", "just text"},
		{"bold", "Hello **world**", "Hello <b>world</b>"},
		{"italic", "an *aside*", "an <i>aside</i>"},
		{"escapes", "a < b & c", "a &lt; b &amp; c"},
		{"inline code", "run `make`", "run <code>make</code>"},
		{"strikethrough", "~~gone~~", "<s>gone</s>"},
		{"list", "- one\n- two", "• one\n• two"},
		{"heading", "# Title\n\nBody", "<b>Title</b>\nBody"},
		{"paragraphs", "first\n\nsecond", "first\n\nsecond"},
		{"link", "[docs](https://example.com)", `<a href="https://example.com">docs</a>`},
		{"fence", "```go\nx := 1\n```", "<pre><code class=\"language-go\">x := 1\n</code></pre>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RenderHTML(tt.md); got != tt.want {
				t.Errorf("RenderHTML(%q) = %q, want %q", tt.md, got, tt.want)
			}
		})
	}
}

func TestSanitize_ClosesDanglingTags(t *testing.T) {
	got := sanitize("<b>bold <i>both")
	if want := "<b>bold <i>both</i></b>"; got != want {
		t.Errorf("sanitize = %q, want %q", got, want)
	}
}

func TestSanitize_DropsUnsupportedTags(t *testing.T) {
	got := sanitize(`<div><span class="x">hi</span> <em>there</em></div>`)
	if want := "hi <i>there</i>"; got != want {
		t.Errorf("sanitize = %q, want %q", got, want)
	}
}
