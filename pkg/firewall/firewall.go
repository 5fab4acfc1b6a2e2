// Package firewall mediates access to the OPNsense firewall alias that
// gates which domains an isolated container network may reach.
package firewall

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Config holds the firewall adapter's connection settings.
type Config struct {
	BaseURL    string
	Key        string
	Secret     string
	Alias      string
	VerifyTLS  bool
	Timeout    time.Duration
}

// Firewall mediates read-modify-write access to a single OPNsense alias
// whose content is the newline-joined list of approved domains.
type Firewall struct {
	client *http.Client
	cfg    Config
	// writeLock serializes read-modify-write-reconfigure sequences so
	// concurrent approvals can't race and clobber each other's writes.
	writeLock sync.Mutex
}

// New builds a Firewall client for the given configuration.
func New(cfg Config) *Firewall {
	transport := &http.Transport{}
	if !cfg.VerifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in via SM_OPNSENSE_VERIFY_TLS
	}
	return &Firewall{
		client: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		cfg:    cfg,
	}
}

type aliasResponse struct {
	Alias aliasContent `json:"alias"`
}

type aliasContent struct {
	Content string `json:"content"`
}

// GetDomains fetches the alias and returns its approved domains.
func (f *Firewall) GetDomains(ctx context.Context) ([]string, error) {
	url := fmt.Sprintf("%s/api/firewall/alias/getItem/%s", f.cfg.BaseURL, f.cfg.Alias)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build getItem request: %w", err)
	}
	req.SetBasicAuth(f.cfg.Key, f.cfg.Secret)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("getItem request: %w", err)
	}
	defer resp.Body.Close()

	var parsed aliasResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode getItem response: %w", err)
	}

	var domains []string
	for _, line := range strings.Split(parsed.Alias.Content, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			domains = append(domains, line)
		}
	}
	return domains, nil
}

// AddDomain validates and adds a domain to the approved alias. Returns false
// (without error) if the domain was already present.
func (f *Firewall) AddDomain(ctx context.Context, domain string) (bool, error) {
	if err := ValidateDomain(domain); err != nil {
		return false, err
	}

	f.writeLock.Lock()
	defer f.writeLock.Unlock()

	domains, err := f.GetDomains(ctx)
	if err != nil {
		return false, err
	}
	for _, d := range domains {
		if d == domain {
			return false, nil
		}
	}

	domains = append(domains, domain)
	if err := f.setDomains(ctx, domains); err != nil {
		return false, err
	}
	if err := f.reconfigure(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveDomain removes a domain from the approved alias. Returns false
// (without error) if the domain was not present.
func (f *Firewall) RemoveDomain(ctx context.Context, domain string) (bool, error) {
	f.writeLock.Lock()
	defer f.writeLock.Unlock()

	domains, err := f.GetDomains(ctx)
	if err != nil {
		return false, err
	}

	idx := -1
	for i, d := range domains {
		if d == domain {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false, nil
	}

	domains = append(domains[:idx], domains[idx+1:]...)
	if err := f.setDomains(ctx, domains); err != nil {
		return false, err
	}
	if err := f.reconfigure(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (f *Firewall) setDomains(ctx context.Context, domains []string) error {
	url := fmt.Sprintf("%s/api/firewall/alias/setItem/%s", f.cfg.BaseURL, f.cfg.Alias)
	body, err := json.Marshal(map[string]any{
		"alias": map[string]string{"content": strings.Join(domains, "\n")},
	})
	if err != nil {
		return fmt.Errorf("marshal setItem body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build setItem request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(f.cfg.Key, f.cfg.Secret)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("setItem request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("opnsense setItem failed: %d %s", resp.StatusCode, respBody)
	}
	return nil
}

func (f *Firewall) reconfigure(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/firewall/alias/reconfigure", f.cfg.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("build reconfigure request: %w", err)
	}
	req.SetBasicAuth(f.cfg.Key, f.cfg.Secret)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("reconfigure request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("opnsense reconfigure failed: %d %s", resp.StatusCode, respBody)
	}
	return nil
}

// ValidateDomain rejects wildcards, IP addresses, empty strings, and
// anything outside the alphanumeric/dot/hyphen domain-name alphabet.
func ValidateDomain(domain string) error {
	domain = strings.TrimSpace(domain)

	if domain == "" {
		return fmt.Errorf("domain cannot be empty")
	}
	if strings.ContainsAny(domain, "*?") {
		return fmt.Errorf("domain cannot contain wildcards: %s", domain)
	}
	if ip := net.ParseIP(domain); ip != nil {
		return fmt.Errorf("ip addresses not allowed, must be a domain name: %s", domain)
	}
	for _, c := range domain {
		if !isDomainChar(c) {
			return fmt.Errorf("domain contains invalid characters: %s", domain)
		}
	}
	if !strings.Contains(domain, ".") {
		return fmt.Errorf("domain must contain at least one dot: %s", domain)
	}
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") ||
		strings.HasPrefix(domain, "-") || strings.HasSuffix(domain, "-") {
		return fmt.Errorf("domain has invalid leading/trailing character: %s", domain)
	}
	if strings.Contains(domain, "..") {
		return fmt.Errorf("domain contains consecutive dots: %s", domain)
	}
	return nil
}

func isDomainChar(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '-'
}
