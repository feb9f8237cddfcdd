package ingress

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"
)

// block is one generated server entry: a site's stable route or an ephemeral
// dynamic route.
type block struct {
	Domain  string
	Target  string
	Comment string
}

const configTemplate = `# suburb reverse proxy configuration
# regenerated wholesale on every reload; do not edit by hand
{{range .Blocks}}
# {{.Comment}}
server {
    listen 80;
    server_name {{.Domain}};

    location / {
        proxy_pass http://{{.Target}};
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
        proxy_http_version 1.1;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
    }
}
{{end}}`

var configTmpl = template.Must(template.New("nginx").Parse(configTemplate))

// renderConfig produces the full proxy configuration from an ordered block
// list. It is a pure function of its input: identical state renders
// byte-identical output, and an empty block list is still a valid file.
func renderConfig(blocks []block) ([]byte, error) {
	sorted := make([]block, len(blocks))
	copy(sorted, blocks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Domain < sorted[j].Domain })

	var buf bytes.Buffer
	if err := configTmpl.Execute(&buf, struct{ Blocks []block }{Blocks: sorted}); err != nil {
		return nil, fmt.Errorf("render proxy config: %w", err)
	}
	return buf.Bytes(), nil
}

// normalizeTarget turns a listen address like ":8080" into a proxyable
// host:port.
func normalizeTarget(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	return addr
}
