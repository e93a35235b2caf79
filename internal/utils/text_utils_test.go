package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestTruncateText(t *testing.T) {
	tp := NewTextProcessor(zaptest.NewLogger(t))

	assert.Equal(t, "short", tp.TruncateText("short", 10))
	assert.Equal(t, "unlimited", tp.TruncateText("unlimited", 0))

	out := tp.TruncateText("abcdefghij", 4)
	assert.True(t, strings.HasPrefix(out, "abcd\n"))
	assert.Contains(t, out, "truncated")

	// never split a multi-byte rune
	out = tp.TruncateText("héllo", 2)
	assert.True(t, strings.HasPrefix(out, "h\n"))
}

func TestSanitizeUTF8(t *testing.T) {
	tp := NewTextProcessor(zaptest.NewLogger(t))

	assert.Equal(t, "ab", tp.SanitizeUTF8("a\xffb"))
	// decomposed e + combining acute becomes a single code point
	assert.Equal(t, "\u00e9", tp.SanitizeUTF8("e\u0301"))
}

func TestPreview(t *testing.T) {
	tp := NewTextProcessor(zaptest.NewLogger(t))

	assert.Equal(t, "héllo", tp.Preview("héllo", 10))
	assert.Equal(t, "hé", tp.Preview("héllo", 2))
	assert.Equal(t, "héllo", tp.Preview("héllo", 0))
}

func TestHTMLToText(t *testing.T) {
	tp := NewTextProcessor(zaptest.NewLogger(t))

	body := `<html><head><title>x</title><style>p{color:red}</style></head>
<body><p>Hello   <b>there</b></p><script>alert(1)</script><div>Second line</div></body></html>`

	assert.Equal(t, "Hello there\nSecond line", tp.HTMLToText(body))
	assert.Equal(t, "", tp.HTMLToText(""))
}
