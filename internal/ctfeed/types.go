package ctfeed

import "time"

// LogSource is an immutable description of one CT log, created by the
// registry at startup and destroyed on shutdown.
type LogSource struct {
	Description string
	URL         string // host+path, no scheme
	Operator    string
}

// RawEntry is one Merkle-tree entry as returned by get-entries, annotated
// with where it came from. It is ephemeral: discarded once the codec has
// decoded it.
type RawEntry struct {
	LeafInput string // base64, as received
	ExtraData string // base64, as received, may be empty
	LogURL    string
	Index     int64
}

// CertRecord is the normalized artifact the codec produces from a RawEntry.
// A CertRecord with an empty SubjectCN is never constructed; decode()
// returns nil instead.
type CertRecord struct {
	SubjectCN    string
	IssuerCN     string
	SerialNumber string
	Fingerprint  string
	NotBefore    time.Time
	NotAfter     time.Time
	AllDomains   []string
	Domains      string
	RawData      RawData
}

// RawData is the structured blob retained alongside the flattened columns:
// decoded subject fields and every non-UNDEF X.509 extension.
type RawData struct {
	Subject    SubjectFields     `json:"subject"`
	Extensions map[string]string `json:"extensions"`
}

// SubjectFields mirrors the handful of RDN attributes the original crawler
// pulled out of the certificate subject.
type SubjectFields struct {
	CN string `json:"CN"`
	C  string `json:"C"`
	ST string `json:"ST"`
	L  string `json:"L"`
	O  string `json:"O"`
	OU string `json:"OU"`
}
