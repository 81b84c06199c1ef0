// Package httpsig signs and verifies HTTP requests with draft-cavage HTTP
// signatures as used by ActivityPub servers.
package httpsig

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/friendica/friendica-go/internal/crypto"
	"github.com/friendica/friendica-go/internal/logger"
)

// ContentType is the media type of transmitted activities.
const ContentType = "application/activity+json"

var (
	ErrNoSignature      = errors.New("no signature provided")
	ErrInvalidSignature = errors.New("signature verification failed")
	ErrUnknownKey       = errors.New("no key found for signature")
	ErrDigestMismatch   = errors.New("digest mismatch")
	ErrLengthMismatch   = errors.New("content-length mismatch")
)

// TransmitError reports a non 2xx answer of the receiving server.
type TransmitError struct {
	Target     string
	StatusCode int
}

func (e *TransmitError) Error() string {
	return fmt.Sprintf("transmit to %s returned %d", e.Target, e.StatusCode)
}

var (
	reIV        = regexp.MustCompile(`(?is)iv="(.*?)"`)
	reKey       = regexp.MustCompile(`(?is)key="(.*?)"`)
	reAlg       = regexp.MustCompile(`(?is)alg="(.*?)"`)
	reData      = regexp.MustCompile(`(?is)data="(.*?)"`)
	reKeyID     = regexp.MustCompile(`(?is)keyId="(.*?)"`)
	reAlgorithm = regexp.MustCompile(`(?is)algorithm="(.*?)"`)
	reCreated   = regexp.MustCompile(`(?is)created=([0-9]+)`)
	reExpires   = regexp.MustCompile(`(?is)expires=([0-9]+)`)
	reHeaders   = regexp.MustCompile(`(?is)headers="(.*?)"`)
	reSignature = regexp.MustCompile(`(?is)signature="(.*?)"`)
	reSpace     = regexp.MustCompile(`\s+`)
)

// SigBlock is a parsed Signature or Authorization header.
type SigBlock struct {
	KeyID     string
	Algorithm string
	Created   string
	Expires   string
	Headers   []string
	Signature []byte
}

// Empty reports whether nothing was parsed.
func (b SigBlock) Empty() bool {
	return b.KeyID == "" && b.Algorithm == "" && len(b.Headers) == 0 && len(b.Signature) == 0
}

// ParseSigHeader parses a signature header. Encrypted headers are decrypted
// with prvkey first. The signed headers default to "date".
func ParseSigHeader(header, prvkey string) SigBlock {
	if reIV.MatchString(header) {
		header = decryptSigHeader(header, prvkey)
	}

	var b SigBlock
	if m := reKeyID.FindStringSubmatch(header); m != nil {
		b.KeyID = m[1]
	}
	if m := reAlgorithm.FindStringSubmatch(header); m != nil {
		b.Algorithm = m[1]
	}
	if m := reCreated.FindStringSubmatch(header); m != nil {
		b.Created = m[1]
	}
	if m := reExpires.FindStringSubmatch(header); m != nil {
		b.Expires = m[1]
	}
	if m := reHeaders.FindStringSubmatch(header); m != nil {
		b.Headers = strings.Fields(m[1])
	}
	if m := reSignature.FindStringSubmatch(header); m != nil {
		b.Signature = decodeBase64(reSpace.ReplaceAllString(m[1], ""))
	}

	if len(b.Signature) > 0 && b.Algorithm != "" && len(b.Headers) == 0 {
		b.Headers = []string{"date"}
	}
	return b
}

func decryptSigHeader(header, prvkey string) string {
	var env crypto.Envelope
	for re, target := range map[*regexp.Regexp]*string{reIV: &env.IV, reKey: &env.Key, reAlg: &env.Alg, reData: &env.Data} {
		if m := re.FindStringSubmatch(header); m != nil {
			*target = m[1]
		}
	}
	if env.IV == "" || env.Key == "" || env.Alg == "" || env.Data == "" {
		return ""
	}

	plain, err := crypto.Unencapsulate(env, prvkey)
	if err != nil {
		logger.Logger().Debug("Failed to decrypt signature header", "error", err)
		return ""
	}
	return string(plain)
}

func decodeBase64(s string) []byte {
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data
	}
	data, _ := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	return data
}

// Field is a single header line that takes part in a signature.
type Field struct {
	Name  string
	Value string
}

func sign(fields []Field, prvkey, alg string) (names, signature string, err error) {
	lines := make([]string, len(fields))
	keys := make([]string, len(fields))
	for i, f := range fields {
		keys[i] = strings.ToLower(f.Name)
		lines[i] = keys[i] + ": " + strings.TrimSpace(f.Value)
	}

	sig, err := crypto.RSASign([]byte(strings.Join(lines, "\n")), prvkey, alg)
	if err != nil {
		return "", "", err
	}
	return strings.Join(keys, " "), base64.StdEncoding.EncodeToString(sig), nil
}

// CreateSig signs the fields with rsa-sha512 and returns them as header
// lines followed by the Authorization header.
func CreateSig(fields []Field, prvkey, keyID string) ([]string, error) {
	if keyID == "" {
		keyID = "Key"
	}

	names, signature, err := sign(fields, prvkey, "sha512")
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(fields)+1)
	for _, f := range fields {
		out = append(out, f.Name+": "+f.Value)
	}
	out = append(out, `Authorization: Signature keyId="`+keyID+`",algorithm="rsa-sha512",headers="`+names+`",signature="`+signature+`"`)
	return out, nil
}

// Digest returns the SHA-256 digest header value of body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// SignRequest sets Content-Length, Digest and Host on req and signs them
// together with the request target using rsa-sha256.
func SignRequest(req *http.Request, body []byte, keyID, prvkey string) error {
	length := strconv.Itoa(len(body))
	digest := Digest(body)
	host := req.URL.Host

	req.Header.Set("Content-Length", length)
	req.Header.Set("Digest", digest)
	req.Header.Set("Host", host)
	req.ContentLength = int64(len(body))
	req.Host = host

	names, signature, err := sign([]Field{
		{Name: "(request-target)", Value: strings.ToLower(req.Method) + " " + req.URL.RequestURI()},
		{Name: "content-length", Value: length},
		{Name: "digest", Value: digest},
		{Name: "host", Value: host},
	}, prvkey, "sha256")
	if err != nil {
		return err
	}

	req.Header.Set("Signature", `keyId="`+keyID+`",algorithm="rsa-sha256",headers="`+names+`",signature="`+signature+`"`)
	return nil
}

// Transmit posts a signed activity to an inbox. Any 2xx answer is a success.
func Transmit(ctx context.Context, client *http.Client, target string, body []byte, keyID, prvkey string) error {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if err := SignRequest(req, body, keyID, prvkey); err != nil {
		return err
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to transmit to %s: %w", target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	logger.Logger().Info("Transmit done", "target", target, "code", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransmitError{Target: target, StatusCode: resp.StatusCode}
	}
	return nil
}

// KeyFetcher resolves the public key of an actor url. An empty key means the
// actor is unknown.
type KeyFetcher interface {
	FetchKey(ctx context.Context, url string) (string, error)
}

// KeyFetcherFunc adapts a function to KeyFetcher.
type KeyFetcherFunc func(ctx context.Context, url string) (string, error)

func (f KeyFetcherFunc) FetchKey(ctx context.Context, url string) (string, error) {
	return f(ctx, url)
}

// requestHeaders returns the lower cased headers of r including the pseudo
// header (request-target).
func requestHeaders(r *http.Request) map[string]string {
	headers := map[string]string{
		"(request-target)": strings.ToLower(r.Method) + " " + r.URL.RequestURI(),
	}
	for name, values := range r.Header {
		headers[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	if _, ok := headers["host"]; !ok && r.Host != "" {
		headers["host"] = r.Host
	}
	if _, ok := headers["content-length"]; !ok && r.ContentLength >= 0 {
		headers["content-length"] = strconv.FormatInt(r.ContentLength, 10)
	}
	return headers
}

func signedData(names []string, headers map[string]string) string {
	var lines []string
	for _, h := range names {
		if v, ok := headers[h]; ok {
			lines = append(lines, h+": "+v)
		}
	}
	return strings.Join(lines, "\n")
}

// GetSigner verifies the Signature header of an incoming activity and
// returns the url of the signing actor.
func GetSigner(ctx context.Context, r *http.Request, body []byte, keys KeyFetcher) (string, error) {
	log := logger.Logger()

	var object map[string]any
	if err := json.Unmarshal(body, &object); err != nil || len(object) == 0 {
		return "", fmt.Errorf("%w: body is no activity", ErrNoSignature)
	}
	actor := fetchID(object["actor"])

	block := ParseSigHeader(r.Header.Get("Signature"), "")
	if len(block.Headers) == 0 || block.KeyID == "" {
		return "", ErrNoSignature
	}

	headers := requestHeaders(r)
	data := signedData(block.Headers, headers)
	if data == "" {
		return "", ErrNoSignature
	}

	var alg string
	switch block.Algorithm {
	case "rsa-sha256":
		alg = "sha256"
	case "rsa-sha512":
		alg = "sha512"
	default:
		return "", fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidSignature, block.Algorithm)
	}

	signer, pubkey, err := fetchKey(ctx, keys, block.KeyID, actor, log)
	if err != nil {
		return "", err
	}

	if !crypto.RSAVerify([]byte(data), block.Signature, pubkey, alg) {
		return "", ErrInvalidSignature
	}

	if slices.Contains(block.Headers, "digest") {
		if err := checkDigest(headers["digest"], body); err != nil {
			return "", err
		}
	}

	if slices.Contains(block.Headers, "content-length") {
		if headers["content-length"] != strconv.Itoa(len(body)) {
			return "", ErrLengthMismatch
		}
	}

	return signer, nil
}

func checkDigest(header string, body []byte) error {
	alg, value, _ := strings.Cut(header, "=")

	var sum []byte
	switch alg {
	case "SHA-256":
		s := sha256.Sum256(body)
		sum = s[:]
	case "SHA-512":
		s := sha512.Sum512(body)
		sum = s[:]
	default:
		// other hashes are not checked
		return nil
	}

	if base64.StdEncoding.EncodeToString(sum) != value {
		return ErrDigestMismatch
	}
	return nil
}

// fetchKey takes the key of the keyId url and falls back to the actor.
func fetchKey(ctx context.Context, keys KeyFetcher, keyID, actor string, log *slog.Logger) (string, string, error) {
	url, _, _ := strings.Cut(keyID, "#")

	pubkey, err := keys.FetchKey(ctx, url)
	if err != nil {
		return "", "", err
	}
	if pubkey != "" {
		log.Debug("Taking key from id", "id", keyID)
		return url, pubkey, nil
	}

	if actor != "" && actor != url {
		pubkey, err = keys.FetchKey(ctx, actor)
		if err != nil {
			return "", "", err
		}
		if pubkey != "" {
			log.Debug("Taking key from actor", "actor", actor)
			return actor, pubkey, nil
		}
	}
	return "", "", ErrUnknownKey
}

// fetchID returns the id of a JSON-LD element that is either a plain
// reference or an object.
func fetchID(v any) string {
	switch e := v.(type) {
	case string:
		return e
	case map[string]any:
		id, _ := e["id"].(string)
		return id
	case []any:
		if len(e) > 0 {
			return fetchID(e[0])
		}
	}
	return ""
}

// MagicResult is the outcome of VerifyMagic.
type MagicResult struct {
	Signer       string
	HeaderSigned bool
	HeaderValid  bool
}

// VerifyMagic checks the Authorization signature of a magic auth request.
// keyFunc returns the public key of a keyId. A signature over headers with a
// dot in their name is never valid.
func VerifyMagic(r *http.Request, keyFunc func(keyID string) string, prvkey string) MagicResult {
	var result MagicResult
	log := logger.Logger()

	block := ParseSigHeader(r.Header.Get("Authorization"), prvkey)
	if block.Empty() {
		log.Info("No signature provided")
		return result
	}
	result.HeaderSigned = true

	names := block.Headers
	if len(names) == 0 {
		names = []string{"date"}
	}

	spoofable := false
	for _, h := range names {
		if strings.Index(h, ".") > 0 {
			spoofable = true
		}
	}
	data := signedData(names, requestHeaders(r))

	var key string
	if keyFunc != nil {
		result.Signer = block.KeyID
		key = keyFunc(block.KeyID)
	}
	log.Info("Got keyID", "keyid", block.KeyID)

	if key == "" {
		return result
	}

	verified := crypto.RSAVerify([]byte(data), block.Signature, key, "sha512")
	log.Debug("Verified", "result", verified)
	if verified && !spoofable {
		result.HeaderValid = true
	}
	return result
}
