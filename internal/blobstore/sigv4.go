package blobstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	sigV4Algorithm = "AWS4-HMAC-SHA256"
	sigV4Service   = "s3"
	defaultRegion  = "us-east-1"
)

var emptyPayloadHash = hashSHA256Hex(nil)

// sigV4Signer signs S3 requests with AWS Signature Version 4. Requests are
// left unsigned when no credentials are configured, which suits anonymous
// development buckets.
type sigV4Signer struct {
	accessKey string
	secretKey string
	region    string
	now       func() time.Time
}

func newSigV4Signer(accessKey, secretKey, region string) sigV4Signer {
	region = strings.TrimSpace(region)
	if region == "" {
		region = defaultRegion
	}
	return sigV4Signer{
		accessKey: strings.TrimSpace(accessKey),
		secretKey: strings.TrimSpace(secretKey),
		region:    region,
		now:       time.Now,
	}
}

func (s sigV4Signer) sign(req *http.Request, payloadHash string) {
	req.Host = req.URL.Host
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("x-amz-content-sha256", payloadHash)
	if s.accessKey == "" || s.secretKey == "" {
		return
	}

	uri := canonicalURI(req.URL)
	if req.URL.Path != "" {
		// Send the path exactly as signed.
		req.URL.RawPath = uri
	}

	now := s.now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	req.Header.Set("x-amz-date", amzDate)

	headers, signedHeaders := canonicalHeaders(req)
	canonicalRequest := strings.Join([]string{
		req.Method,
		uri,
		canonicalQuery(req.URL),
		headers,
		signedHeaders,
		payloadHash,
	}, "\n")
	requestHash := sha256.Sum256([]byte(canonicalRequest))
	scope := strings.Join([]string{dateStamp, s.region, sigV4Service, "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		sigV4Algorithm,
		amzDate,
		scope,
		hex.EncodeToString(requestHash[:]),
	}, "\n")

	signature := hex.EncodeToString(hmacSHA256(s.signingKey(dateStamp), []byte(stringToSign)))
	req.Header.Set("Authorization", fmt.Sprintf(
		"%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		sigV4Algorithm, s.accessKey, scope, signedHeaders, signature,
	))
}

func (s sigV4Signer) signingKey(dateStamp string) []byte {
	key := hmacSHA256([]byte("AWS4"+s.secretKey), []byte(dateStamp))
	key = hmacSHA256(key, []byte(s.region))
	key = hmacSHA256(key, []byte(sigV4Service))
	return hmacSHA256(key, []byte("aws4_request"))
}

// canonicalHeaders signs every header set on the request except
// Authorization. Content-Length travels outside Header and is not signed.
func canonicalHeaders(req *http.Request) (string, string) {
	values := make(map[string]string, len(req.Header)+1)
	for key, vals := range req.Header {
		lower := strings.ToLower(key)
		if lower == "authorization" {
			continue
		}
		cleaned := make([]string, 0, len(vals))
		for _, v := range vals {
			cleaned = append(cleaned, strings.Join(strings.Fields(v), " "))
		}
		values[lower] = strings.Join(cleaned, ",")
	}
	if _, ok := values["host"]; !ok && req.Host != "" {
		values["host"] = req.Host
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var builder strings.Builder
	for _, name := range names {
		builder.WriteString(name)
		builder.WriteByte(':')
		builder.WriteString(values[name])
		builder.WriteByte('\n')
	}
	return builder.String(), strings.Join(names, ";")
}

// canonicalURI encodes each path segment once, as S3 expects. Go's own path
// escaping leaves sub-delimiters such as '+' and '=' alone, which S3 would
// sign differently.
func canonicalURI(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	p := awsURIEncode(u.Path, false)
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

// awsURIEncode percent-encodes every byte outside A-Za-z0-9-._~ using
// upper-case hex. Slashes are kept unless encodeSlash is set.
func awsURIEncode(s string, encodeSlash bool) string {
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		case c == '/' && !encodeSlash:
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
		}
	}
	return b.String()
}

func canonicalQuery(u *url.URL) string {
	if u == nil || u.RawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil || len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		vals := values[key]
		sort.Strings(vals)
		for _, v := range vals {
			pairs = append(pairs, awsQueryEscape(key)+"="+awsQueryEscape(v))
		}
	}
	return strings.Join(pairs, "&")
}

func awsQueryEscape(s string) string {
	return awsURIEncode(s, true)
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func hashSHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// hashReaderSHA256Hex hashes r to EOF and reports the number of bytes read.
func hashReaderSHA256Hex(r io.Reader) (string, int64, error) {
	hash := sha256.New()
	n, err := io.Copy(hash, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(hash.Sum(nil)), n, nil
}
