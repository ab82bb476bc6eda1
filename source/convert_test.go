package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `<!DOCTYPE html>
<html>
<head><title>Widget API Guide</title></head>
<body>
<nav><a href="/">Home</a><a href="/docs">Docs</a></nav>
<article>
<h1>Widget API Guide</h1>
<p>The widget API accepts JSON requests and returns paginated results.
Authentication uses bearer tokens passed in the Authorization header.
Every endpoint supports conditional requests with ETag validation.</p>
<h2>Endpoints</h2>
<p>The list endpoint returns widgets sorted by creation time. The detail
endpoint returns a single widget with its full revision history attached
for auditing purposes.</p>
<pre><code>GET /v1/widgets</code></pre>
</article>
<footer>Copyright</footer>
<script>trackPageView()</script>
</body>
</html>`

func TestConvert(t *testing.T) {
	c := NewConverter()

	title, markdown, err := c.Convert([]byte(samplePage), "https://example.com/docs/widgets")
	require.NoError(t, err)

	assert.Equal(t, "Widget API Guide", title)
	assert.Contains(t, markdown, "bearer tokens")
	assert.Contains(t, markdown, "GET /v1/widgets")
	assert.NotContains(t, markdown, "trackPageView")
	assert.NotContains(t, markdown, "<p>")
}

func TestConvertBadURL(t *testing.T) {
	c := NewConverter()
	_, _, err := c.Convert([]byte(samplePage), "://bad")
	assert.Error(t, err)
}
