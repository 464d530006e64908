/*
listd - Mailing list manager.
Copyright © 2024 listd contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package dmarc looks up the DMARC policy published for the author domain
// of a posted message. Lists use it to decide whether the From header has to
// be rewritten or the post moderated, since list modifications break DKIM
// signatures of the original author.
package dmarc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/emersion/go-msgauth/dmarc"
	"github.com/foxcpp/listd/framework/address"
	"github.com/foxcpp/listd/framework/dns"
	"github.com/foxcpp/listd/internal/mailmsg"
	"golang.org/x/net/publicsuffix"
)

type (
	Record = dmarc.Record
	Policy = dmarc.Policy
)

var ErrNoFrom = errors.New("dmarc: no usable From address")

func lookupTXT(ctx context.Context, r dns.Resolver, domain string) ([]string, error) {
	txts, err := r.LookupTXT(ctx, dns.FQDN("_dmarc."+domain))
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, nil
		}
		return nil, err
	}
	return txts, nil
}

// FetchRecord looks up the DMARC record for the RFC 5322 From domain,
// falling back to the organizational domain. It returns the domain the
// record was found at. A nil record without an error means no policy.
func FetchRecord(ctx context.Context, r dns.Resolver, fromDomain string) (string, *Record, error) {
	policyDomain := fromDomain
	txts, err := lookupTXT(ctx, r, fromDomain)
	if err != nil {
		return "", nil, err
	}
	if len(txts) == 0 {
		orgDomain, err := publicsuffix.EffectiveTLDPlusOne(fromDomain)
		if err != nil {
			return "", nil, nil
		}
		if strings.EqualFold(orgDomain, fromDomain) {
			return "", nil, nil
		}
		policyDomain = orgDomain
		txts, err = lookupTXT(ctx, r, orgDomain)
		if err != nil {
			return "", nil, err
		}
	}

	var records []string
	for _, txt := range txts {
		if strings.HasPrefix(txt, "v=DMARC1") {
			records = append(records, txt)
		}
	}
	// RFC 7489 6.6.3: more than one record means no policy.
	if len(records) != 1 {
		return "", nil, nil
	}

	rec, err := dmarc.Parse(records[0])
	if err != nil {
		return "", nil, fmt.Errorf("dmarc: %s: %w", policyDomain, err)
	}
	return policyDomain, rec, nil
}

// EffectivePolicy returns the policy applicable to fromDomain, taking the
// subdomain policy into account when the record was found at the
// organizational domain.
func EffectivePolicy(fromDomain, policyDomain string, rec *Record) Policy {
	if rec == nil {
		return dmarc.PolicyNone
	}
	if !strings.EqualFold(fromDomain, policyDomain) && rec.SubdomainPolicy != "" {
		return rec.SubdomainPolicy
	}
	return rec.Policy
}

// FromDomain returns the domain of the only From address.
func FromDomain(msg *mailmsg.Message) (string, error) {
	if len(msg.Values("From")) != 1 {
		return "", ErrNoFrom
	}
	addrs := msg.Addresses("From")
	if len(addrs) != 1 {
		return "", ErrNoFrom
	}
	_, domain, err := address.Split(addrs[0])
	if err != nil || domain == "" {
		return "", ErrNoFrom
	}
	return domain, nil
}

// Strict reports whether the author domain asks receivers to quarantine or
// reject unaligned mail.
func Strict(ctx context.Context, r dns.Resolver, msg *mailmsg.Message) (bool, Policy, error) {
	domain, err := FromDomain(msg)
	if err != nil {
		return false, dmarc.PolicyNone, err
	}
	policyDomain, rec, err := FetchRecord(ctx, r, domain)
	if err != nil {
		return false, dmarc.PolicyNone, err
	}
	p := EffectivePolicy(domain, policyDomain, rec)
	return p == dmarc.PolicyReject || p == dmarc.PolicyQuarantine, p, nil
}
