// Package stream decodes response bodies chunk by chunk while reporting
// byte-level progress.
package stream

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

const (
	chunkSize   = 32 * 1024
	sniffLength = 1024
)

var (
	charsetParam = regexp.MustCompile(`(?i)charset\s*=\s*["']?([^;"'\s]+)`)
	xmlEncoding  = regexp.MustCompile(`^\x{FEFF}?\s*<\?xml[^>]*?\bencoding\s*=\s*["']([A-Za-z0-9._:-]+)["']`)
	xmlDecl      = regexp.MustCompile(`^(\s*<\?xml[^>]*?\bencoding\s*=\s*["'])([^"']*)(["'])`)
)

// Progress is a snapshot of a running download. Total is zero or negative
// when the transport did not declare a length.
type Progress struct {
	Loaded int64
	Total  int64
}

// Percent returns the completed share in the range [0, 100]. The boolean is
// false when the total length is unknown.
func (p Progress) Percent() (float64, bool) {
	if p.Total <= 0 {
		return 0, false
	}
	pct := float64(p.Loaded) / float64(p.Total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct, true
}

// ProgressFunc receives a Progress after every chunk read from the transport.
type ProgressFunc func(Progress)

// Meta is the transport metadata relevant to decoding.
type Meta struct {
	ContentType string
	Length      int64
}

// MetaFromResponse extracts decoding metadata from an HTTP response.
func MetaFromResponse(resp *http.Response) Meta {
	length := resp.ContentLength
	if length <= 0 {
		if v, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
			length = v
		}
	}
	return Meta{ContentType: resp.Header.Get("Content-Type"), Length: length}
}

// DeclaredCharset returns the lower-cased charset parameter of a
// Content-Type header value, or "" when there is none.
func DeclaredCharset(contentType string) string {
	if contentType == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		return strings.ToLower(strings.TrimSpace(params["charset"]))
	}
	if m := charsetParam.FindStringSubmatch(contentType); m != nil {
		return strings.ToLower(m[1])
	}
	return ""
}

// Decode reads r to the end and returns its text as UTF-8.
//
// The charset comes from meta.ContentType, or from the XML declaration when
// the header has none. Unknown charsets and decoder failures fall back to
// UTF-8 with a warning; transport errors are returned as is. A leading byte
// order mark is dropped and a non-UTF-8 encoding declaration is rewritten,
// since the returned text is no longer in that encoding.
func Decode(r io.Reader, meta Meta, onProgress ProgressFunc) (string, error) {
	counter := &countingReader{r: r, total: meta.Length, onProgress: onProgress}
	br := bufio.NewReaderSize(counter, chunkSize)

	label := DeclaredCharset(meta.ContentType)
	if label == "" {
		head, _ := br.Peek(sniffLength)
		label = sniffXMLEncoding(head)
	}

	enc, name := lookupEncoding(label)
	var (
		text string
		err  error
	)
	if enc == nil {
		text, err = readUTF8(br)
	} else {
		text, err = readDecoded(br, counter, enc, name)
	}
	if err != nil {
		return "", err
	}
	return normalize(text), nil
}

func lookupEncoding(label string) (encoding.Encoding, string) {
	if label == "" {
		return nil, "utf-8"
	}
	enc, name := charset.Lookup(label)
	if enc == nil {
		slog.Warn("unsupported charset, decoding as utf-8", slog.String("charset", label))
		return nil, "utf-8"
	}
	if name == "utf-8" {
		return nil, name
	}
	return enc, name
}

func readUTF8(r io.Reader) (string, error) {
	var sb strings.Builder
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		sb.Write(buf[:n])
		if err == io.EOF {
			return strings.ToValidUTF8(sb.String(), "\uFFFD"), nil
		}
		if err != nil {
			return "", err
		}
	}
}

func readDecoded(br *bufio.Reader, counter *countingReader, enc encoding.Encoding, name string) (string, error) {
	// raw keeps the undecoded bytes for the utf-8 fallback.
	var raw bytes.Buffer
	dr := transform.NewReader(io.TeeReader(br, &raw), enc.NewDecoder())

	var sb strings.Builder
	buf := make([]byte, chunkSize)
	for {
		n, err := dr.Read(buf)
		sb.Write(buf[:n])
		if err == io.EOF {
			return sb.String(), nil
		}
		if err == nil {
			continue
		}
		if counter.err != nil {
			return "", counter.err
		}

		slog.Warn("charset decoding failed, falling back to utf-8",
			slog.String("charset", name),
			slog.Any("error", err),
		)
		if _, err := io.Copy(&raw, br); err != nil {
			return "", err
		}
		return strings.ToValidUTF8(raw.String(), "\uFFFD"), nil
	}
}

func sniffXMLEncoding(head []byte) string {
	m := xmlEncoding.FindSubmatch(head)
	if m == nil {
		return ""
	}
	return strings.ToLower(string(m[1]))
}

func normalize(text string) string {
	text = strings.TrimPrefix(text, "\ufeff")

	head := text
	if len(head) > sniffLength {
		head = head[:sniffLength]
	}
	loc := xmlDecl.FindStringSubmatchIndex(head)
	if loc == nil {
		return text
	}
	declared := text[loc[4]:loc[5]]
	if strings.EqualFold(declared, "utf-8") || strings.EqualFold(declared, "utf8") {
		return text
	}
	return text[:loc[4]] + "UTF-8" + text[loc[5]:]
}

type countingReader struct {
	r          io.Reader
	total      int64
	loaded     int64
	onProgress ProgressFunc
	err        error
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.loaded += int64(n)
		if c.onProgress != nil {
			c.onProgress(Progress{Loaded: c.loaded, Total: c.total})
		}
	}
	if err != nil && err != io.EOF {
		c.err = err
	}
	return n, err
}
