// Package cdn defines the purge contract shared by the CDN providers and the
// helpers they build on: scheme and domain selection, URL formatting and
// per-file purge results.
package cdn

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"net"
	"regexp"
	"strings"

	perrors "github.com/jmgilman/go/errors"
)

// ResultCode is the outcome of a purge for one file.
type ResultCode int

const (
	// ResultHalt means the provider could not run at all (missing credentials, failed auth).
	ResultHalt ResultCode = -1
	// ResultError means the provider ran but the file was not purged.
	ResultError ResultCode = 0
	// ResultOK means the file was purged.
	ResultOK ResultCode = 1
)

// String returns the label used in logs and metrics.
func (c ResultCode) String() string {
	switch c {
	case ResultHalt:
		return "halt"
	case ResultOK:
		return "ok"
	default:
		return "error"
	}
}

// File identifies a file mirrored on a CDN.
type File struct {
	LocalPath   string `json:"local_path"`
	RemotePath  string `json:"remote_path"`
	OriginalURL string `json:"original_url,omitempty"`
}

// Result is the purge outcome for one file.
type Result struct {
	LocalPath  string     `json:"local_path"`
	RemotePath string     `json:"remote_path"`
	Code       ResultCode `json:"result"`
	Error      string     `json:"error"`
}

// Results is the outcome of a purge call.
type Results []Result

// Success reports whether every result is OK.
func (r Results) Success() bool {
	for _, res := range r {
		if res.Code != ResultOK {
			return false
		}
	}
	return true
}

// Errors returns the distinct error messages of the non-OK results.
func (r Results) Errors() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, res := range r {
		if res.Code == ResultOK {
			continue
		}
		if _, ok := seen[res.Error]; ok {
			continue
		}
		seen[res.Error] = struct{}{}
		out = append(out, res.Error)
	}
	return out
}

// Engine purges mirrored content from a CDN. The bool result is true when
// every file was purged. Provider failures are reported through Results,
// never returned or panicked.
type Engine interface {
	Purge(ctx context.Context, files []File) (bool, Results)
	PurgeAll(ctx context.Context) (bool, Results)
	Domains() []string
}

// ResultsFor builds one result per file with the same code and message.
func ResultsFor(files []File, code ResultCode, msg string) Results {
	out := make(Results, 0, len(files))
	for _, f := range files {
		out = append(out, Result{
			LocalPath:  f.LocalPath,
			RemotePath: f.RemotePath,
			Code:       code,
			Error:      msg,
		})
	}
	return out
}

// Halt returns the single HALT result used when a provider fails as a whole.
func Halt(msg string) Results {
	return Results{{Code: ResultHalt, Error: msg}}
}

// FromError converts a provider error into a single HALT result prefixed with prefix.
func FromError(prefix string, err error) (bool, Results) {
	return false, Halt(prefix + Message(err))
}

// Message returns the human readable message of err without its code.
func Message(err error) string {
	var pe perrors.PlatformError
	if perrors.As(err, &pe) && pe.Message() != "" {
		return pe.Message()
	}
	return err.Error()
}

// SSL modes.
const (
	SSLAuto     = "auto"
	SSLEnabled  = "enabled"
	SSLDisabled = "disabled"
	SSLRejected = "rejected"
)

var (
	cssPath      = regexp.MustCompile(`[a-zA-Z0-9\-_]*(\.include\.[0-9]+)?\.css$`)
	jsIncludes   = regexp.MustCompile(`([a-z0-9\-_]+(\.include\.[a-z0-9]+)\.js)$`)
	jsPath       = regexp.MustCompile(`[\w\-_]+\.js`)
	jsBodyPath   = regexp.MustCompile(`[a-z0-9\-_]+(\.include-body\.[a-z0-9]+)\.js$`)
	jsFooterPath = regexp.MustCompile(`[a-z0-9\-_]+(\.include-footer\.[a-z0-9]+)\.js$`)
	hostnamePart = regexp.MustCompile(`(?i)^[a-z0-9\-.]*`)
)

// Base holds the scheme and domain logic every provider shares.
type Base struct {
	// SSL is one of the SSL* modes; empty means auto.
	SSL string
	// HTTPS reports whether the site itself is served over https (used by auto).
	HTTPS bool
	// DomainList is the configured CNAME list. An entry may be an "http,https" pair.
	DomainList []string
	// Lookup resolves hostnames for TestDomains; nil uses net.LookupHost.
	Lookup func(ctx context.Context, host string) ([]string, error)
}

// Scheme returns the URL scheme for the configured SSL mode.
func (b *Base) Scheme() string {
	switch b.SSL {
	case SSLEnabled:
		return "https"
	case SSLDisabled, SSLRejected:
		return "http"
	default:
		if b.HTTPS {
			return "https"
		}
		return "http"
	}
}

// Domains returns the configured domains.
func (b *Base) Domains() []string {
	return b.DomainList
}

// Domain returns the CDN hostname serving path, or "" when no domain is configured.
// Slot 0 serves css, 1 js, 2 body js and 3 footer js; other paths hash across the
// domains after slot 4 when more than four are configured.
func (b *Base) Domain(path string) string {
	domains := b.DomainList
	if len(domains) == 0 {
		return ""
	}

	var domain string
	switch {
	case cssPath.MatchString(path):
		domain = domains[0]
	case len(domains) > 2 && jsBodyPath.MatchString(path):
		domain = domains[2]
	case len(domains) > 3 && jsFooterPath.MatchString(path):
		domain = domains[3]
	case len(domains) > 1 && (jsIncludes.MatchString(path) || jsPath.MatchString(path)):
		domain = domains[1]
	case len(domains) > 4:
		domain = pick(domains[4:], path)
	default:
		domain = pick(domains, path)
	}

	httpDomain, httpsDomain := splitPair(domain)
	if b.Scheme() == "https" && httpsDomain != "" {
		return httpsDomain
	}
	return httpDomain
}

func pick(domains []string, path string) string {
	return domains[crc32.ChecksumIEEE([]byte(path))%uint32(len(domains))]
}

func splitPair(domain string) (string, string) {
	parts := strings.SplitN(domain, ",", 2)
	httpDomain := strings.TrimSpace(parts[0])
	if len(parts) == 1 {
		return httpDomain, ""
	}
	return httpDomain, strings.TrimSpace(parts[1])
}

// FormatURL returns the CDN URL of path, or "" when no domain is configured.
func (b *Base) FormatURL(path string) string {
	domain := b.Domain(path)
	if domain == "" {
		return ""
	}
	return fmt.Sprintf("%s://%s/%s", b.Scheme(), domain, strings.TrimPrefix(path, "/"))
}

// Via returns the primary domain or "N/A".
func (b *Base) Via() string {
	if d := b.Domain(""); d != "" {
		return d
	}
	return "N/A"
}

// TestDomains checks that every configured hostname resolves.
func (b *Base) TestDomains(ctx context.Context) error {
	if len(b.DomainList) == 0 {
		return errors.New("Empty hostname / CNAME list.")
	}

	lookup := b.Lookup
	if lookup == nil {
		lookup = net.DefaultResolver.LookupHost
	}

	for _, domain := range b.DomainList {
		for _, d := range strings.Split(domain, ",") {
			host := hostnamePart.FindString(strings.TrimSpace(d))
			if host == "" {
				continue
			}
			if addrs, err := lookup(ctx, host); err != nil || len(addrs) == 0 {
				return fmt.Errorf("Unable to resolve hostname: %s.", host)
			}
		}
	}
	return nil
}
