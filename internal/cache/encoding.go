package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// maxDecodedSize bounds decompression of a cached body (zip bomb guard).
const maxDecodedSize int64 = 50 << 20

// decode decompresses body encoded with enc.
func decode(enc string, body []byte) ([]byte, error) {
	var r io.Reader
	switch enc {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	case "br":
		r = brotli.NewReader(bytes.NewReader(body))
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		r = fr
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}

	out, err := io.ReadAll(io.LimitReader(r, maxDecodedSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > maxDecodedSize {
		return nil, fmt.Errorf("decoded body exceeds %d bytes", maxDecodedSize)
	}
	return out, nil
}

// accepts reports whether the Accept-Encoding header allows enc.
func accepts(acceptEncoding, enc string) bool {
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name != enc && name != "*" {
			continue
		}
		if q, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if v, err := strconv.ParseFloat(q, 64); err == nil && v == 0 {
				return false
			}
		}
		return true
	}
	return false
}

// prepare returns the headers and body to replay for r. A body stored
// compressed is decoded when the client does not accept its encoding.
func prepare(e *Entry, r *http.Request) (http.Header, []byte, error) {
	h := e.Headers.Clone()
	if h == nil {
		h = http.Header{}
	}
	enc := strings.ToLower(strings.TrimSpace(h.Get("Content-Encoding")))
	if enc == "" || enc == "identity" || accepts(r.Header.Get("Accept-Encoding"), enc) {
		return h, e.Body, nil
	}
	body, err := decode(enc, e.Body)
	if err != nil {
		return nil, nil, err
	}
	h.Del("Content-Encoding")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return h, body, nil
}
