package normalize

import (
	"errors"
	"regexp"
	"strings"

	"otp-service/internal/model"
)

var (
	ErrInvalidPurpose     = errors.New("invalid purpose")
	ErrIdentifierRequired = errors.New("identifier required")
	ErrChannelUnsupported = errors.New("channel unsupported")
)

// Closed purpose vocabulary. Callers spell these inconsistently; the
// synonym pass below maps common spellings onto this set and anything
// unmappable is a hard error, never a guess.
const (
	PurposeLogin           = "login"
	PurposeSignup          = "signup"
	PurposeOrderConfirm    = "order_confirm"
	PurposeCheckout        = "checkout"
	PurposePasswordReset   = "password_reset"
	PurposeAccountRecovery = "account_recovery"
)

var purposes = map[string]bool{
	PurposeLogin:           true,
	PurposeSignup:          true,
	PurposeOrderConfirm:    true,
	PurposeCheckout:        true,
	PurposePasswordReset:   true,
	PurposeAccountRecovery: true,
}

var purposeSynonyms = map[string]string{
	"signin":             PurposeLogin,
	"sign_in":            PurposeLogin,
	"log_in":             PurposeLogin,
	"register":           PurposeSignup,
	"registration":       PurposeSignup,
	"sign_up":            PurposeSignup,
	"confirm_order":      PurposeOrderConfirm,
	"order_confirmation": PurposeOrderConfirm,
	"payment":            PurposeCheckout,
	"place_order":        PurposeCheckout,
	"purchase":           PurposeCheckout,
	"forgot_password":    PurposePasswordReset,
	"reset_password":     PurposePasswordReset,
	"pwd_reset":          PurposePasswordReset,
	"recover":            PurposeAccountRecovery,
	"recovery":           PurposeAccountRecovery,
}

// Keyword rules for the second-pass matcher, checked in order so the
// more specific intent wins over the generic "order" rule.
var purposeKeywords = []struct {
	keyword string
	purpose string
}{
	{"login", PurposeLogin},
	{"signin", PurposeLogin},
	{"signup", PurposeSignup},
	{"regist", PurposeSignup},
	{"password", PurposePasswordReset},
	{"checkout", PurposeCheckout},
	{"payment", PurposeCheckout},
	{"recover", PurposeAccountRecovery},
	{"order", PurposeOrderConfirm},
}

var guestCreatable = map[string]bool{
	PurposeSignup:       true,
	PurposeOrderConfirm: true,
	PurposeCheckout:     true,
}

var checkoutCritical = map[string]bool{
	PurposeCheckout:     true,
	PurposeOrderConfirm: true,
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

var snakeCleaner = regexp.MustCompile(`[\s\-]+`)

// Purpose lower-cases and snake-cases the raw string, then resolves it
// against the closed vocabulary, falling back to the synonym table and
// keyword rules. Unmappable input returns ErrInvalidPurpose.
func Purpose(raw string) (string, error) {
	p := strings.ToLower(strings.TrimSpace(raw))
	p = snakeCleaner.ReplaceAllString(p, "_")
	p = strings.Trim(p, "_")
	if p == "" {
		return "", ErrInvalidPurpose
	}

	if purposes[p] {
		return p, nil
	}
	if canonical, ok := purposeSynonyms[p]; ok {
		return canonical, nil
	}
	for _, rule := range purposeKeywords {
		if strings.Contains(p, rule.keyword) {
			return rule.purpose, nil
		}
	}

	return "", ErrInvalidPurpose
}

// IsGuestCreatable reports whether a missing subject may be provisioned
// implicitly for the purpose.
func IsGuestCreatable(purpose string) bool {
	return guestCreatable[purpose]
}

// IsCheckoutCritical reports whether the purpose gets the higher
// rate-limit ceiling.
func IsCheckoutCritical(purpose string) bool {
	return checkoutCritical[purpose]
}

// Identifier is the canonical form of a classified identifier.
type Identifier struct {
	Type      model.IdentifierType
	Canonical string
}

// ClassifyIdentifier canonicalizes a free-form identifier into an email
// (case-folded) or a phone on the Bangladesh numbering plan
// (8801XXXXXXXXX). carrierPrefixes is the allow-list of local operator
// prefixes, e.g. "017". Unclassifiable input is ErrIdentifierRequired.
func ClassifyIdentifier(raw string, carrierPrefixes []string) (Identifier, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Identifier{}, ErrIdentifierRequired
	}

	if strings.ContainsRune(s, '@') {
		folded := strings.ToLower(s)
		if !emailPattern.MatchString(folded) {
			return Identifier{}, ErrIdentifierRequired
		}
		return Identifier{Type: model.IdentifierEmail, Canonical: folded}, nil
	}

	canonical, ok := canonicalPhone(s, carrierPrefixes)
	if !ok {
		return Identifier{}, ErrIdentifierRequired
	}
	return Identifier{Type: model.IdentifierPhone, Canonical: canonical}, nil
}

// canonicalPhone maps every accepted regional input shape onto the
// canonical 13-digit form: with or without country code, stray leading
// zeros, and double-encoded international 00 prefixes.
func canonicalPhone(raw string, carrierPrefixes []string) (string, bool) {
	s := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "").Replace(raw)
	s = strings.TrimPrefix(s, "+")

	for strings.HasPrefix(s, "00") && strings.Contains(s[2:], "880") {
		s = s[2:]
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	for strings.HasPrefix(s, "0880") {
		s = s[1:]
	}

	switch {
	case strings.HasPrefix(s, "880") && len(s) == 13:
		// already canonical shape
	case strings.HasPrefix(s, "01") && len(s) == 11:
		s = "88" + s
	case strings.HasPrefix(s, "1") && len(s) == 10:
		s = "880" + s
	default:
		return "", false
	}

	localPrefix := "0" + s[3:5]
	for _, allowed := range carrierPrefixes {
		if localPrefix == allowed {
			return s, true
		}
	}
	return "", false
}

// LookupVariants returns the historical representations of a canonical
// phone number used purely for subject lookup. shapes selects which
// legacy forms remain supported; unknown names are skipped so the set
// can shrink via config without code changes.
func LookupVariants(canonical string, shapes []string) []string {
	if len(canonical) != 13 || !strings.HasPrefix(canonical, "880") {
		return []string{canonical}
	}

	variants := make([]string, 0, len(shapes))
	for _, shape := range shapes {
		switch shape {
		case "canonical":
			variants = append(variants, canonical)
		case "local":
			variants = append(variants, "0"+canonical[3:])
		case "plus":
			variants = append(variants, "+"+canonical)
		case "bare":
			variants = append(variants, canonical[3:])
		}
	}
	if len(variants) == 0 {
		variants = append(variants, canonical)
	}
	return variants
}

// Channel resolves the requested delivery channel against the
// identifier type. Absent channel defaults to EMAIL for email subjects
// and SMS for phone subjects; WHATSAPP must be explicit.
func Channel(requested string, identifierType model.IdentifierType) (model.Channel, error) {
	if requested == "" {
		if identifierType == model.IdentifierEmail {
			return model.ChannelEmail, nil
		}
		return model.ChannelSMS, nil
	}

	switch model.Channel(strings.ToUpper(strings.TrimSpace(requested))) {
	case model.ChannelEmail:
		return model.ChannelEmail, nil
	case model.ChannelSMS:
		return model.ChannelSMS, nil
	case model.ChannelWhatsApp:
		return model.ChannelWhatsApp, nil
	default:
		return "", ErrChannelUnsupported
	}
}
