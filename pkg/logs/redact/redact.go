// Package redact masks secrets in run events before they are written to disk.
package redact

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/holon-run/agentrelay/pkg/event"
)

// Mode represents the redaction mode.
type Mode string

const (
	// ModeOff disables redaction.
	ModeOff Mode = "off"
	// ModeBasic masks configured credentials and credential-shaped assignments.
	ModeBasic Mode = "basic"
	// ModeAggressive adds known token prefixes and high-entropy detection.
	ModeAggressive Mode = "aggressive"

	// DefaultReplacement is written in place of every masked value.
	DefaultReplacement = "***REDACTED***"

	// minSecretLen keeps short configured values from masking ordinary words.
	minSecretLen = 8

	minEntropyCandidateLen = 20
)

// ParseMode validates a mode name; "" is ModeOff.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeOff:
		return ModeOff, nil
	case ModeBasic, ModeAggressive:
		return m, nil
	default:
		return "", fmt.Errorf("invalid redaction mode %q (want off, basic or aggressive)", s)
	}
}

// Config holds configuration for a Redactor.
type Config struct {
	Mode Mode
	// Secrets are literal values to mask wherever they appear, typically the
	// API keys injected into agent processes.
	Secrets []string
	// Replacement defaults to DefaultReplacement.
	Replacement string
}

// Redactor masks secrets in text and events. A nil Redactor is valid and
// redacts nothing.
type Redactor struct {
	mode        Mode
	secrets     []string
	replacement string
}

// New creates a Redactor.
func New(cfg Config) *Redactor {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeOff
	}
	replacement := cfg.Replacement
	if replacement == "" {
		replacement = DefaultReplacement
	}

	seen := make(map[string]bool)
	var secrets []string
	for _, s := range cfg.Secrets {
		s = strings.TrimSpace(s)
		if len(s) < minSecretLen || seen[s] {
			continue
		}
		seen[s] = true
		secrets = append(secrets, s)
	}
	// longest first so a secret containing another is masked whole
	sort.Slice(secrets, func(i, j int) bool { return len(secrets[i]) > len(secrets[j]) })

	return &Redactor{mode: mode, secrets: secrets, replacement: replacement}
}

// Enabled reports whether r masks anything.
func (r *Redactor) Enabled() bool {
	return r != nil && r.mode != ModeOff
}

func (r *Redactor) Mode() Mode {
	if r == nil {
		return ModeOff
	}
	return r.mode
}

// String returns s with secrets masked.
func (r *Redactor) String(s string) string {
	if !r.Enabled() || s == "" {
		return s
	}

	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, r.replacement)
	}
	s = r.redactPEMBlocks(s)
	s = r.redactEnvKeyValues(s)
	s = r.redactHTTPHeaderValues(s)
	s = r.redactURLQueryParams(s)

	if r.mode == ModeAggressive {
		s = r.redactKnownPrefixes(s)
		s = r.redactHighEntropyStrings(s)
	}
	return s
}

// Event returns a copy of ev with its free text masked. Header, stream and
// exit fields are never changed. Debug events carry raw protocol JSON and
// are dropped while redaction is enabled: masking could break the encoding.
func (r *Redactor) Event(ev event.Event) (event.Event, bool) {
	if !r.Enabled() {
		return ev, true
	}
	switch e := ev.(type) {
	case event.Start:
		args := make([]string, len(e.Args))
		for i, a := range e.Args {
			args[i] = r.String(a)
		}
		e.Args = args
		return e, true
	case event.Log:
		// keep the line terminator intact for byte-exact replay
		body := strings.TrimRight(e.Text, "\r\n")
		e.Text = r.String(body) + e.Text[len(body):]
		return e, true
	case event.Text:
		e.Text = r.String(e.Text)
		return e, true
	case event.Error:
		e.Message = r.String(e.Message)
		return e, true
	case event.Debug:
		return nil, false
	default:
		return ev, true
	}
}

var (
	envKeyValueRe = regexp.MustCompile(`(?i)\b([A-Z0-9_]*(?:API_KEY|APIKEY|AUTH_TOKEN|_TOKEN|_SECRET|PASSWORD))\s*=\s*['"]?([^'"\s]+)['"]?`)
	headerRe      = regexp.MustCompile(`(?im)^(\s*)(authorization|x-api-key|x-auth-token|proxy-authorization|cookie)\s*:\s*[^\r\n]+`)
	queryParamRe  = regexp.MustCompile(`([?&])(token|key|secret|password|api_key|access_token|auth_token|apikey)=[^&\s#'"]+`)
	pemRe         = regexp.MustCompile(`-----BEGIN [A-Z0-9 ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z0-9 ]*PRIVATE KEY-----`)
	entropyRe     = regexp.MustCompile(fmt.Sprintf(`\b[A-Za-z0-9_\-\.]{%d,}\b`, minEntropyCandidateLen))
)

// Known credential prefixes for the backends' providers and common hosts.
var knownPrefixes = []struct {
	prefix string
	re     *regexp.Regexp
}{
	{"sk-ant-", regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{20,}`)},
	{"sk-proj-", regexp.MustCompile(`sk-proj-[A-Za-z0-9_\-]{20,}`)},
	{"sk-", regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`)},
	{"ghp_", regexp.MustCompile(`ghp_[A-Za-z0-9]{30,40}`)},
	{"github_pat_", regexp.MustCompile(`github_pat_[A-Za-z0-9_]{40,}`)},
	{"AKIA", regexp.MustCompile(`AKIA[A-Z0-9]{16}`)},
	{"hf_", regexp.MustCompile(`hf_[A-Za-z0-9]{26,46}`)},
}

func (r *Redactor) redactEnvKeyValues(s string) string {
	return envKeyValueRe.ReplaceAllString(s, "$1="+r.replacement)
}

func (r *Redactor) redactHTTPHeaderValues(s string) string {
	return headerRe.ReplaceAllString(s, "$1$2: "+r.replacement)
}

func (r *Redactor) redactURLQueryParams(s string) string {
	return queryParamRe.ReplaceAllString(s, "$1$2="+r.replacement)
}

func (r *Redactor) redactPEMBlocks(s string) string {
	return pemRe.ReplaceAllString(s, "-----BEGIN REDACTED-----\n"+r.replacement+"\n-----END REDACTED-----")
}

func (r *Redactor) redactKnownPrefixes(s string) string {
	for _, p := range knownPrefixes {
		s = p.re.ReplaceAllString(s, p.prefix+r.replacement)
	}
	return s
}

// redactHighEntropyStrings is a heuristic and may mask hashes or ids.
func (r *Redactor) redactHighEntropyStrings(s string) string {
	return entropyRe.ReplaceAllStringFunc(s, func(m string) string {
		if strings.Contains(m, r.replacement) || isLikelyFalsePositive(m) || !isHighEntropy(m) {
			return m
		}
		return r.replacement
	})
}

// isHighEntropy reports a Shannon entropy above 4 bits per byte; natural
// language stays under 3.5.
func isHighEntropy(s string) bool {
	if len(s) < minEntropyCandidateLen {
		return false
	}
	freq := make(map[byte]float64)
	for i := 0; i < len(s); i++ {
		freq[s[i]]++
	}
	entropy := 0.0
	for _, count := range freq {
		p := count / float64(len(s))
		entropy -= p * math.Log2(p)
	}
	return entropy > 4.0
}

func isLikelyFalsePositive(s string) bool {
	if s == strings.ToLower(s) && len(s) < 30 {
		return true
	}
	if s == strings.ToUpper(s) && len(s) < 20 {
		return true
	}
	lower := 0
	for i := 0; i < len(s); i++ {
		if s[i] >= 'a' && s[i] <= 'z' {
			lower++
		}
	}
	return float64(lower)/float64(len(s)) > 0.7
}
