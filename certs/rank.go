package certs

import "time"

// IsValid reports whether c may be presented for issuer at now: the issuer
// common name matches exactly (or issuer is AnyIssuer) and now lies in
// [NotBefore, NotAfter).
func IsValid(issuer string, now time.Time, c Certificate) bool {
	if issuer != AnyIssuer && issuer != c.IssuerCommonName {
		return false
	}
	return !c.NotBefore.After(now) && c.NotAfter.After(now)
}

// worseThan reports whether a ranks strictly below b.
//
// Any valid certificate beats any invalid one and invalid certificates are
// equally bad. Between valid certificates the later NotBefore wins, then the
// later NotAfter.
func worseThan(issuer string, now time.Time, a, b Certificate) bool {
	if !IsValid(issuer, now, b) {
		return false
	}
	if !IsValid(issuer, now, a) {
		return true
	}
	if !a.NotBefore.Equal(b.NotBefore) {
		return a.NotBefore.Before(b.NotBefore)
	}
	return a.NotAfter.Before(b.NotAfter)
}

// Rank returns the best candidate for issuer at now. The boolean is false
// when no candidate is valid, including for an empty slice. Among candidates
// that tie completely the first in input order wins. Rank never modifies
// candidates.
func Rank(issuer string, now time.Time, candidates []Certificate) (Certificate, bool) {
	if len(candidates) == 0 {
		return Certificate{}, false
	}
	best := 0
	for i := 1; i < len(candidates); i++ {
		if worseThan(issuer, now, candidates[best], candidates[i]) {
			best = i
		}
	}
	if !IsValid(issuer, now, candidates[best]) {
		return Certificate{}, false
	}
	return candidates[best], true
}
