// Package urlpolicy decides which site URLs the scraper may touch and how
// politely it must do so. Rules are robots-derived: deny admin and commerce
// flows, deny filtered collection views, strip tracking parameters before
// any URL is compared or queued, and honor per-agent crawl delays.
package urlpolicy

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foliosource/bindery/internal/domain"
)

// AgentDelay pins a minimum crawl delay to user agents containing Agent.
type AgentDelay struct {
	Agent string
	Delay time.Duration
}

// Policy is immutable after construction and safe for concurrent use.
type Policy struct {
	host         string
	allow        []string
	deny         []string
	denyParams   []string
	trackingKeys []string
	defaultDelay time.Duration
	agentDelays  []AgentDelay
}

// Default returns the compiled policy bound to the base site. The rule set
// mirrors the robots directives storefronts commonly publish.
func Default(baseURL string, defaultDelay time.Duration) (*Policy, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("op=urlpolicy.default: base url %q: %w", baseURL, domain.ErrInvalidArgument)
	}
	if defaultDelay <= 0 {
		defaultDelay = 2 * time.Second
	}
	return &Policy{
		host: strings.ToLower(u.Host),
		allow: []string{
			"/products/",
			"/collections/",
			"/catalogue/",
		},
		deny: []string{
			"/admin",
			"/cart",
			"/checkout",
			"/account",
			"/orders",
			"/password",
			"/search",
		},
		denyParams:   []string{"filter.", "sort_by", "pr_prod"},
		trackingKeys: []string{"utm_", "fbclid", "gclid", "msclkid", "yclid", "igshid", "mc_cid", "mc_eid", "_ga", "ref"},
		defaultDelay: defaultDelay,
		agentDelays: []AgentDelay{
			{Agent: "AhrefsBot", Delay: 10 * time.Second},
			{Agent: "SemrushBot", Delay: 10 * time.Second},
			{Agent: "MJ12bot", Delay: 10 * time.Second},
			{Agent: "DotBot", Delay: 10 * time.Second},
		},
	}, nil
}

// policyFile is the YAML override shape; delays are duration strings.
type policyFile struct {
	DefaultDelay string   `yaml:"default_delay"`
	Allow        []string `yaml:"allow"`
	Deny         []string `yaml:"deny"`
	DenyParams   []string `yaml:"deny_params"`
	TrackingKeys []string `yaml:"tracking_params"`
	AgentDelays  []struct {
		Agent string `yaml:"agent"`
		Delay string `yaml:"delay"`
	} `yaml:"agent_delays"`
}

// FromFile loads a YAML rule file over the defaults; absent keys keep the
// default rule set.
func FromFile(path, baseURL string, defaultDelay time.Duration) (*Policy, error) {
	p, err := Default(baseURL, defaultDelay)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=urlpolicy.from_file: %w", err)
	}
	var f policyFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("op=urlpolicy.from_file: %w", err)
	}
	if f.DefaultDelay != "" {
		d, err := time.ParseDuration(f.DefaultDelay)
		if err != nil {
			return nil, fmt.Errorf("op=urlpolicy.from_file: default_delay: %w", err)
		}
		p.defaultDelay = d
	}
	if len(f.Allow) > 0 {
		p.allow = f.Allow
	}
	if len(f.Deny) > 0 {
		p.deny = f.Deny
	}
	if len(f.DenyParams) > 0 {
		p.denyParams = f.DenyParams
	}
	if len(f.TrackingKeys) > 0 {
		p.trackingKeys = f.TrackingKeys
	}
	if len(f.AgentDelays) > 0 {
		p.agentDelays = p.agentDelays[:0]
		for _, a := range f.AgentDelays {
			d, err := time.ParseDuration(a.Delay)
			if err != nil {
				return nil, fmt.Errorf("op=urlpolicy.from_file: agent %q: %w", a.Agent, err)
			}
			p.agentDelays = append(p.agentDelays, AgentDelay{Agent: a.Agent, Delay: d})
		}
	}
	return p, nil
}

// Host returns the single host this policy covers.
func (p *Policy) Host() string { return p.host }

// Allowed reports whether the URL may be fetched. The verdict wraps
// domain.ErrPolicyDenied with the rule that fired.
func (p *Policy) Allowed(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("op=urlpolicy.allowed: %q: %w", raw, domain.ErrPolicyDenied)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("op=urlpolicy.allowed: scheme %q: %w", u.Scheme, domain.ErrPolicyDenied)
	}
	if !strings.EqualFold(u.Host, p.host) {
		return fmt.Errorf("op=urlpolicy.allowed: off-site host %q: %w", u.Host, domain.ErrPolicyDenied)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	// Filtered collection views multiply the crawl space without adding
	// records: tag filters ride the path as "+", faceting as filter params.
	if strings.Contains(path, "/collections/") && strings.Contains(path, "+") {
		return fmt.Errorf("op=urlpolicy.allowed: filtered collection %q: %w", path, domain.ErrPolicyDenied)
	}
	q := u.Query()
	for key := range q {
		for _, dp := range p.denyParams {
			if strings.HasPrefix(strings.ToLower(key), dp) {
				return fmt.Errorf("op=urlpolicy.allowed: param %q: %w", key, domain.ErrPolicyDenied)
			}
		}
	}

	for _, a := range p.allow {
		if strings.HasPrefix(path, a) {
			return nil
		}
	}
	for _, d := range p.deny {
		if strings.HasPrefix(path, d) {
			return fmt.Errorf("op=urlpolicy.allowed: path %q: %w", path, domain.ErrPolicyDenied)
		}
	}
	return nil
}

// Normalize canonicalizes a URL for dedup: lowercases the host, drops the
// fragment, strips tracking parameters, and sorts what remains.
func (p *Policy) Normalize(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("op=urlpolicy.normalize: %w", domain.ErrInvalidArgument)
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	q := u.Query()
	for key := range q {
		lower := strings.ToLower(key)
		for _, tk := range p.trackingKeys {
			if lower == tk || (strings.HasSuffix(tk, "_") && strings.HasPrefix(lower, tk)) {
				q.Del(key)
				break
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Delay returns the minimum interval between requests for the given user
// agent; unknown agents get the default.
func (p *Policy) Delay(userAgent string) time.Duration {
	for _, a := range p.agentDelays {
		if a.Agent != "" && strings.Contains(strings.ToLower(userAgent), strings.ToLower(a.Agent)) {
			return a.Delay
		}
	}
	return p.defaultDelay
}
