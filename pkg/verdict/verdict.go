// Package verdict defines the policy verdict model and the TTL cache that
// serves repeat lookups for the same normalized domain.
package verdict

// Outcome values carried in the verdict field. A nil pointer means the
// policy service made no determination.
const (
	Deny  = 0
	Allow = 1
)

// Rule identifies the policy rule that produced a verdict. Redirect is set
// when the rule embeds its own redirect target, in which case the client id
// must not be appended to the redirect URI.
type Rule struct {
	ID       string `json:"id"`
	Redirect bool   `json:"redirect,omitempty"`
}

// Bypass carries an active bypass code granted by an administrator.
type Bypass struct {
	Code       string `json:"code"`
	ExpiryTime int64  `json:"expiry_time"`
}

// Signatures classifies the destination for telemetry.
type Signatures struct {
	Category    string `json:"category"`
	SubCategory string `json:"subCategory"`
	Signature   string `json:"signature"`
	Noise       bool   `json:"noise,omitempty"`
}

// Verdict is the result of a policy check for one (domain, path, search
// query) tuple. It is created once and read-only afterward.
type Verdict struct {
	Verdict       *int        `json:"verdict,omitempty"`
	TTL           int64       `json:"ttl"`
	TimeRetrieved int64       `json:"time_retrieved,omitempty"`
	RedirectURI   string      `json:"redirect_uri,omitempty"`
	Rule          *Rule       `json:"rule,omitempty"`
	Bypass        *Bypass     `json:"bypass,omitempty"`
	Signatures    *Signatures `json:"signatures,omitempty"`
}

// Denied reports a definite deny.
func (v *Verdict) Denied() bool { return v != nil && v.Verdict != nil && *v.Verdict == Deny }

// Allowed reports a definite allow.
func (v *Verdict) Allowed() bool { return v != nil && v.Verdict != nil && *v.Verdict == Allow }

// Expired reports whether the verdict's validity window has passed at the
// given epoch second.
func (v *Verdict) Expired(nowSeconds int64) bool {
	return v.TimeRetrieved+v.TTL <= nowSeconds
}

// Undetermined returns a verdict with no determination and the given TTL.
func Undetermined(ttl int64) *Verdict { return &Verdict{TTL: ttl} }

// DeniedVerdict returns a deny verdict, for tests and synthetic policies.
func DeniedVerdict(ttl int64) *Verdict {
	v := Deny
	return &Verdict{Verdict: &v, TTL: ttl}
}

// AllowedVerdict returns an allow verdict.
func AllowedVerdict(ttl int64) *Verdict {
	v := Allow
	return &Verdict{Verdict: &v, TTL: ttl}
}
