package whitelist

import (
	"net/mail"
	"strings"

	"go.uber.org/zap"
)

// Checker matches sender addresses against a list of domains
type Checker struct {
	domains map[string]struct{}
	logger  *zap.Logger
}

// NewChecker creates a new domain checker
func NewChecker(domains []string, logger *zap.Logger) *Checker {
	normalized := make(map[string]struct{}, len(domains))
	for _, domain := range domains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		domain = strings.TrimPrefix(domain, "@")
		if domain != "" {
			normalized[domain] = struct{}{}
		}
	}

	if len(normalized) > 0 && logger != nil {
		logger.Info("Initialized domain checker", zap.Int("domains", len(normalized)))
	}

	return &Checker{
		domains: normalized,
		logger:  logger,
	}
}

// Matches reports whether the sender's domain, or a parent of it, is listed.
// from may be a bare address or a display form such as "Ann <ann@example.com>".
func (c *Checker) Matches(from string) bool {
	if len(c.domains) == 0 {
		return false
	}

	domain := senderDomain(from)
	if domain == "" {
		return false
	}

	for d := domain; d != ""; {
		if _, ok := c.domains[d]; ok {
			if c.logger != nil {
				c.logger.Debug("Sender domain matched",
					zap.String("domain", d),
					zap.String("email", from))
			}
			return true
		}
		i := strings.IndexByte(d, '.')
		if i < 0 {
			break
		}
		d = d[i+1:]
	}

	return false
}

func senderDomain(from string) string {
	address := strings.TrimSpace(from)
	if parsed, err := mail.ParseAddress(address); err == nil {
		address = parsed.Address
	}
	at := strings.LastIndexByte(address, '@')
	if at < 0 || at == len(address)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(address[at+1:], ">"))
}
