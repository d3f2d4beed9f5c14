package caldav

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type multistatus struct {
	XMLName   xml.Name      `xml:"DAV: multistatus"`
	Responses []davResponse `xml:"DAV: response"`
	SyncToken string        `xml:"DAV: sync-token"`
}

type davResponse struct {
	Hrefs     []string   `xml:"DAV: href"`
	Status    string     `xml:"DAV: status"`
	Propstats []propstat `xml:"DAV: propstat"`
}

type propstat struct {
	Status string  `xml:"DAV: status"`
	Prop   davProp `xml:"DAV: prop"`
}

type davProp struct {
	CTag      string `xml:"http://calendarserver.org/ns/ getctag"`
	SyncToken string `xml:"DAV: sync-token"`
	ETag      string `xml:"DAV: getetag"`
}

const collectionStateBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/">
  <d:prop><cs:getctag/><d:sync-token/></d:prop>
</d:propfind>`

// CollectionState reads the collection's ctag and sync-token with a
// depth-0 PROPFIND. Either value may be empty when the server lacks it.
func (c *Client) CollectionState(ctx context.Context, path string) (string, string, error) {
	ms, err := c.xmlRequest(ctx, "PROPFIND", path, "0", []byte(collectionStateBody))
	if err != nil {
		return "", "", err
	}
	var ctag, token string
	for _, resp := range ms.Responses {
		for _, ps := range resp.Propstats {
			if !statusOK(ps.Status) {
				continue
			}
			if ps.Prop.CTag != "" {
				ctag = strings.TrimSpace(ps.Prop.CTag)
			}
			if ps.Prop.SyncToken != "" {
				token = strings.TrimSpace(ps.Prop.SyncToken)
			}
		}
	}
	return ctag, token, nil
}

// SyncCollection runs an RFC 6578 sync-collection REPORT from token. An
// expired token surfaces as a *calsync.RemoteError.
func (c *Client) SyncCollection(ctx context.Context, path, token string) (*SyncDelta, error) {
	var body bytes.Buffer
	body.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	body.WriteString(`<d:sync-collection xmlns:d="DAV:"><d:sync-token>`)
	if err := xml.EscapeText(&body, []byte(token)); err != nil {
		return nil, err
	}
	body.WriteString(`</d:sync-token><d:sync-level>1</d:sync-level><d:prop><d:getetag/></d:prop></d:sync-collection>`)

	ms, err := c.xmlRequest(ctx, "REPORT", path, "", body.Bytes())
	if err != nil {
		return nil, err
	}
	collection := hrefPath(path)
	delta := &SyncDelta{Token: strings.TrimSpace(ms.SyncToken)}
	for _, resp := range ms.Responses {
		for _, href := range resp.Hrefs {
			p := hrefPath(href)
			if p == "" || strings.TrimSuffix(p, "/") == strings.TrimSuffix(collection, "/") {
				continue
			}
			if statusCode(resp.Status) == http.StatusNotFound {
				delta.Deleted = append(delta.Deleted, p)
				continue
			}
			delta.Changed = append(delta.Changed, p)
		}
	}
	return delta, nil
}

func (c *Client) xmlRequest(ctx context.Context, method, path, depth string, body []byte) (*multistatus, error) {
	target := c.endpoint.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	if depth != "" {
		req.Header.Set("Depth", depth)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var ms multistatus
	if err := xml.Unmarshal(data, &ms); err != nil {
		return nil, fmt.Errorf("%s %s: decode multistatus: %w", method, redactURL(target), err)
	}
	return &ms, nil
}

// hrefPath normalizes an href that may be absolute or server-relative.
func hrefPath(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	return u.Path
}

// statusCode extracts the code from a status line like "HTTP/1.1 404 Not Found".
func statusCode(line string) int {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	var code int
	if _, err := fmt.Sscanf(fields[1], "%d", &code); err != nil {
		return 0
	}
	return code
}

func statusOK(line string) bool {
	if strings.TrimSpace(line) == "" {
		return true
	}
	code := statusCode(line)
	return code >= 200 && code <= 299
}
