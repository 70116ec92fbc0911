package intercept

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

var (
	ErrBodyTooLarge        = errors.New("intercept: body exceeds limit")
	ErrUnsupportedEncoding = errors.New("intercept: unsupported content encoding")
)

// AggregateRequest replaces req.Body with its complete decoded contents.
// Content-Encoding is removed and Content-Length set to match.
func AggregateRequest(req *http.Request, limit int64) error {
	body, err := aggregate(req.Body, req.Header, limit)
	if err != nil {
		return err
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.TransferEncoding = nil
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return nil
}

// AggregateResponse is AggregateRequest for responses.
// Responses that carry no body by definition keep their headers, since
// Content-Length there describes the entity a GET would return.
func AggregateResponse(resp *http.Response, limit int64) error {
	if bodyless(resp) {
		if resp.Body != nil && resp.Body != http.NoBody {
			_ = resp.Body.Close()
		}
		resp.Body = http.NoBody
		return nil
	}
	body, err := aggregate(resp.Body, resp.Header, limit)
	if err != nil {
		return err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.TransferEncoding = nil
	resp.Uncompressed = true
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return nil
}

func bodyless(resp *http.Response) bool {
	switch {
	case resp.StatusCode >= 100 && resp.StatusCode < 200,
		resp.StatusCode == http.StatusNoContent,
		resp.StatusCode == http.StatusNotModified:
		return true
	}
	return resp.Request != nil && resp.Request.Method == http.MethodHead
}

func aggregate(rc io.ReadCloser, h http.Header, limit int64) ([]byte, error) {
	if rc == nil || rc == http.NoBody {
		h.Del("Content-Encoding")
		return nil, nil
	}
	defer rc.Close()

	body, err := readLimited(rc, limit)
	if err != nil {
		return nil, err
	}

	encodings := contentEncodings(h)
	// Encodings are listed in the order they were applied.
	for i := len(encodings) - 1; i >= 0; i-- {
		body, err = decode(encodings[i], body, limit)
		if err != nil {
			return nil, err
		}
	}
	h.Del("Content-Encoding")
	return body, nil
}

func contentEncodings(h http.Header) []string {
	var out []string
	for _, v := range h.Values("Content-Encoding") {
		for enc := range strings.SplitSeq(v, ",") {
			enc = strings.ToLower(strings.TrimSpace(enc))
			if enc != "" && enc != "identity" {
				out = append(out, enc)
			}
		}
	}
	return out
}

func decode(encoding string, body []byte, limit int64) ([]byte, error) {
	var r io.Reader
	switch encoding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		r = zr
	case "deflate":
		// Servers send both zlib-wrapped and raw deflate under this name.
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			fr := flate.NewReader(bytes.NewReader(body))
			defer fr.Close()
			r = fr
		} else {
			defer zr.Close()
			r = zr
		}
	case "br":
		r = brotli.NewReader(bytes.NewReader(body))
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		r = zr
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}

	out, err := readLimited(r, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", encoding, err)
	}
	return out, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, limit)
	}
	return b, nil
}
