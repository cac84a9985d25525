package inbox

import (
	"encoding/base64"
	"reflect"
	"testing"

	"ack_server/core/port/out"
)

func TestSubjectTerms(t *testing.T) {
	tests := []struct {
		poNumber string
		want     []string
	}{
		{"PO-4500123", []string{"PO-4500123", "4500123", "PO 4500123", "PO# 4500123"}},
		{"4500123", []string{"4500123", "PO 4500123", "PO# 4500123"}},
	}
	for _, tt := range tests {
		if got := subjectTerms(tt.poNumber); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("subjectTerms(%q) = %v, want %v", tt.poNumber, got, tt.want)
		}
	}
}

func TestContainsKeyword(t *testing.T) {
	tests := []struct {
		haystack string
		kw       string
		want     bool
	}{
		{"order confirmation attached", "confirmation", true},
		{"your so 4412 is confirmed", "so", true},
		{"sorry for the delay", "so", false},
		{"also attached", "so", false},
		{"eta next week", "eta", true},
		{"metal brackets", "eta", false},
	}
	for _, tt := range tests {
		if got := containsKeyword(tt.haystack, tt.kw); got != tt.want {
			t.Errorf("containsKeyword(%q, %q) = %v, want %v", tt.haystack, tt.kw, got, tt.want)
		}
	}
}

func TestStripHTML(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "tags become whitespace",
			html: "<p>Order <b>confirmed</b></p><br/>ship date 03/10",
			want: "Order confirmed ship date 03/10",
		},
		{
			name: "script and style bodies dropped",
			html: "<style>p{color:red}</style><p>Hello</p><script>alert(1)</script>",
			want: "Hello",
		},
		{
			name: "entities decoded",
			html: "Qty &gt; 100 &amp; ship&nbsp;date set",
			want: "Qty > 100 & ship date set",
		},
		{
			name: "whitespace collapsed",
			html: "<div>\n  a \t b\n</div>",
			want: "a b",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripHTML(tt.html); got != tt.want {
				t.Errorf("StripHTML() = %q, want %q", got, tt.want)
			}
		})
	}
}

func b64of(s string) string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(s))
}

func TestExtractBody(t *testing.T) {
	tests := []struct {
		name string
		msg  *out.MailMessage
		want string
	}{
		{
			name: "nil message",
			msg:  nil,
			want: "",
		},
		{
			name: "no payload falls back to snippet",
			msg:  &out.MailMessage{Snippet: "snippet text"},
			want: "snippet text",
		},
		{
			name: "plain body direct",
			msg: &out.MailMessage{
				Payload: &out.MailPart{MimeType: "text/plain", BodyDataB64: b64of("plain body")},
			},
			want: "plain body",
		},
		{
			name: "plain wins over html in multipart",
			msg: &out.MailMessage{
				Payload: &out.MailPart{
					MimeType: "multipart/alternative",
					Parts: []out.MailPart{
						{MimeType: "text/html", BodyDataB64: b64of("<p>html body</p>")},
						{MimeType: "text/plain", BodyDataB64: b64of("plain body")},
					},
				},
			},
			want: "plain body",
		},
		{
			name: "html stripped when no plain part",
			msg: &out.MailMessage{
				Payload: &out.MailPart{
					MimeType: "multipart/alternative",
					Parts: []out.MailPart{
						{MimeType: "text/html", BodyDataB64: b64of("<p>Order <b>confirmed</b></p>")},
					},
				},
			},
			want: "Order confirmed",
		},
		{
			name: "empty bodies fall back to snippet",
			msg: &out.MailMessage{
				Snippet: "fallback snippet",
				Payload: &out.MailPart{MimeType: "multipart/mixed"},
			},
			want: "fallback snippet",
		},
		{
			name: "charset parameter on mime type still matches",
			msg: &out.MailMessage{
				Payload: &out.MailPart{MimeType: "text/plain; charset=utf-8", BodyDataB64: b64of("with charset")},
			},
			want: "with charset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractBody(tt.msg); got != tt.want {
				t.Errorf("ExtractBody() = %q, want %q", got, tt.want)
			}
		})
	}
}
