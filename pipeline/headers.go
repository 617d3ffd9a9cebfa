package pipeline

import (
	"net/http"
)

// Known request header indices.
const (
	HeaderCacheControl = iota
	HeaderConnection
	HeaderDate
	HeaderKeepAlive
	HeaderPragma
	HeaderTrailer
	HeaderTransferEncoding
	HeaderUpgrade
	HeaderVia
	HeaderWarning
	HeaderAllow
	HeaderContentLength
	HeaderContentType
	HeaderContentEncoding
	HeaderContentLanguage
	HeaderContentLocation
	HeaderContentMd5
	HeaderContentRange
	HeaderExpires
	HeaderLastModified
	HeaderAccept
	HeaderAcceptCharset
	HeaderAcceptEncoding
	HeaderAcceptLanguage
	HeaderAuthorization
	HeaderCookie
	HeaderExpect
	HeaderFrom
	HeaderHost
	HeaderIfMatch
	HeaderIfModifiedSince
	HeaderIfNoneMatch
	HeaderIfRange
	HeaderIfUnmodifiedSince
	HeaderMaxForwards
	HeaderProxyAuthorization
	HeaderReferer
	HeaderRange
	HeaderTe
	HeaderUserAgent
	RequestHeaderMaximum
)

// Known response header indices. The first 20 are shared with requests.
const (
	HeaderAcceptRanges = 20 + iota
	HeaderAge
	HeaderEtag
	HeaderLocation
	HeaderProxyAuthenticate
	HeaderRetryAfter
	HeaderServer
	HeaderSetCookie
	HeaderVary
	HeaderWwwAuthenticate
	ResponseHeaderMaximum
)

var requestHeaderNames = [RequestHeaderMaximum]string{
	"Cache-Control",
	"Connection",
	"Date",
	"Keep-Alive",
	"Pragma",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Via",
	"Warning",
	"Allow",
	"Content-Length",
	"Content-Type",
	"Content-Encoding",
	"Content-Language",
	"Content-Location",
	"Content-MD5",
	"Content-Range",
	"Expires",
	"Last-Modified",
	"Accept",
	"Accept-Charset",
	"Accept-Encoding",
	"Accept-Language",
	"Authorization",
	"Cookie",
	"Expect",
	"From",
	"Host",
	"If-Match",
	"If-Modified-Since",
	"If-None-Match",
	"If-Range",
	"If-Unmodified-Since",
	"Max-Forwards",
	"Proxy-Authorization",
	"Referer",
	"Range",
	"TE",
	"User-Agent",
}

var responseHeaderNames = [ResponseHeaderMaximum]string{
	"Cache-Control",
	"Connection",
	"Date",
	"Keep-Alive",
	"Pragma",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Via",
	"Warning",
	"Allow",
	"Content-Length",
	"Content-Type",
	"Content-Encoding",
	"Content-Language",
	"Content-Location",
	"Content-MD5",
	"Content-Range",
	"Expires",
	"Last-Modified",
	"Accept-Ranges",
	"Age",
	"ETag",
	"Location",
	"Proxy-Authenticate",
	"Retry-After",
	"Server",
	"Set-Cookie",
	"Vary",
	"WWW-Authenticate",
}

// keyed by canonical MIME header key
var requestHeaderIndex = make(map[string]int, RequestHeaderMaximum)
var responseHeaderIndex = make(map[string]int, ResponseHeaderMaximum)

func init() {
	for i, name := range requestHeaderNames {
		requestHeaderIndex[http.CanonicalHeaderKey(name)] = i
	}
	for i, name := range responseHeaderNames {
		responseHeaderIndex[http.CanonicalHeaderKey(name)] = i
	}
}

// KnownRequestHeaderName returns the header name for a request header index,
// or "" if the index is out of range.
func KnownRequestHeaderName(index int) string {
	if index < 0 || index >= RequestHeaderMaximum {
		return ""
	}
	return requestHeaderNames[index]
}

// KnownRequestHeaderIndex returns the index of a known request header, or -1.
func KnownRequestHeaderIndex(name string) int {
	if i, ok := requestHeaderIndex[http.CanonicalHeaderKey(name)]; ok {
		return i
	}
	return -1
}

// KnownResponseHeaderName returns the header name for a response header index,
// or "" if the index is out of range.
func KnownResponseHeaderName(index int) string {
	if index < 0 || index >= ResponseHeaderMaximum {
		return ""
	}
	return responseHeaderNames[index]
}

// KnownResponseHeaderIndex returns the index of a known response header, or -1.
func KnownResponseHeaderIndex(name string) int {
	if i, ok := responseHeaderIndex[http.CanonicalHeaderKey(name)]; ok {
		return i
	}
	return -1
}
