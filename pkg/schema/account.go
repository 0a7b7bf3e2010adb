package schema

// AccountIdentity identifies one managed account. Immutable after creation;
// owned by the coordinator's account table.
//
// CredentialRef is an opaque vault key. The referenced secret is resolved
// only at session open and must never appear in logs or error messages.
type AccountIdentity struct {
	ID            string `json:"id" yaml:"id"`
	CredentialRef string `json:"credential_ref" yaml:"credential_ref"`
	Proxy         string `json:"proxy,omitempty" yaml:"proxy,omitempty"`
	UserAgent     string `json:"user_agent,omitempty" yaml:"user_agent,omitempty"`
	Active        bool   `json:"active" yaml:"active"`
}
