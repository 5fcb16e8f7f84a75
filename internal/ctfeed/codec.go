package ctfeed

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"math/big"
	"strings"

	ct "github.com/google/certificate-transparency-go"
	cttls "github.com/google/certificate-transparency-go/tls"
	ctx509 "github.com/google/certificate-transparency-go/x509"
)

// extensionShortNames maps the handful of X.509 extension OIDs the original
// crawler cared about to the short names pyOpenSSL's get_short_name() would
// have returned. Anything not in this table is treated the same way
// pyOpenSSL's "UNDEF" short name was: skipped.
var extensionShortNames = map[string]string{
	"2.5.29.17": "subjectAltName",
	"2.5.29.19": "basicConstraints",
	"2.5.29.15": "keyUsage",
	"2.5.29.37": "extendedKeyUsage",
	"2.5.29.35": "authorityKeyIdentifier",
	"2.5.29.14": "subjectKeyIdentifier",
	"2.5.29.32": "certificatePolicies",
	"2.5.29.31": "crlDistributionPoints",
	"1.3.6.1.5.5.7.1.1":  "authorityInfoAccess",
	"1.3.6.1.4.1.11129.2.4.2": "ctlSCT",
	"1.3.6.1.4.1.11129.2.4.3": "ctPoison",
}

// decode turns one RawEntry into a CertRecord, or nil if the entry cannot
// be parsed or has no usable subject. It never returns an error: every
// failure is logged at debug level and absorbed, because CT logs routinely
// contain malformed or experimental entries and a codec that aborts would
// stall ingestion.
func decode(raw RawEntry) *CertRecord {
	leafBytes, err := base64.StdEncoding.DecodeString(raw.LeafInput)
	if err != nil {
		log.Printf("debug: codec: bad base64 leaf_input at %s/%d: %v", raw.LogURL, raw.Index, err)
		return nil
	}

	certDER, ok := extractLeafDER(leafBytes, raw)
	if !ok {
		return nil
	}

	cert, err := ctx509.ParseCertificate(certDER)
	if err != nil {
		log.Printf("debug: codec: certificate parse failed at %s/%d: %v", raw.LogURL, raw.Index, err)
		return nil
	}

	cn := cert.Subject.CommonName
	if cn == "" {
		return nil
	}

	fingerprint := sha1.Sum(certDER)

	allDomains := buildAllDomains(cn, cert.DNSNames)

	record := &CertRecord{
		SubjectCN:    cn,
		IssuerCN:     cert.Issuer.CommonName,
		SerialNumber: lowercaseHexSerial(cert.SerialNumber),
		Fingerprint:  hex.EncodeToString(fingerprint[:]),
		NotBefore:    cert.NotBefore.UTC(),
		NotAfter:     cert.NotAfter.UTC(),
		AllDomains:   allDomains,
		Domains:      strings.Join(allDomains, ","),
		RawData: RawData{
			Subject: SubjectFields{
				CN: cert.Subject.CommonName,
				C:  strings.Join(cert.Subject.Country, ","),
				ST: strings.Join(cert.Subject.Province, ","),
				L:  strings.Join(cert.Subject.Locality, ","),
				O:  strings.Join(cert.Subject.Organization, ","),
				OU: strings.Join(cert.Subject.OrganizationalUnit, ","),
			},
			Extensions: dumpExtensions(cert),
		},
	}

	return record
}

// extractLeafDER decodes the Merkle Tree Leaf header, branches on entry
// type, and returns the leaf certificate's DER bytes, trying the
// structured parse first and falling back to treating the remaining bytes
// as raw DER.
func extractLeafDER(leafBytes []byte, raw RawEntry) ([]byte, bool) {
	var merkleLeaf ct.MerkleTreeLeaf
	if _, err := cttls.Unmarshal(leafBytes, &merkleLeaf); err != nil {
		// Structured parse failed outright. Fall back to the manual header
		// read and treat everything after it as raw DER.
		return rawHeaderFallback(leafBytes, raw)
	}

	if merkleLeaf.Version != ct.V1 || merkleLeaf.LeafType != ct.TimestampedEntryLeafType {
		log.Printf("debug: codec: unexpected leaf version/type at %s/%d", raw.LogURL, raw.Index)
		return nil, false
	}

	tsEntry := merkleLeaf.TimestampedEntry

	switch tsEntry.EntryType {
	case ct.X509LogEntryType:
		return tsEntry.X509Entry.Data, true

	case ct.PrecertLogEntryType:
		if raw.ExtraData != "" {
			extraBytes, err := base64.StdEncoding.DecodeString(raw.ExtraData)
			if err == nil {
				var chain ct.PrecertChainEntry
				if _, err := cttls.Unmarshal(extraBytes, &chain); err == nil && len(chain.PreCertificate.Data) > 0 {
					return chain.PreCertificate.Data, true
				}
			}
		}
		// No usable extra_data: fall back to the TBSCertificate bytes
		// carried directly in the Merkle leaf entry.
		if len(tsEntry.PrecertEntry.TBSCertificate) == 0 {
			log.Printf("debug: codec: precert entry with no usable DER at %s/%d", raw.LogURL, raw.Index)
			return nil, false
		}
		return tsEntry.PrecertEntry.TBSCertificate, true

	default:
		log.Printf("debug: codec: unknown TimestampedEntry type at %s/%d", raw.LogURL, raw.Index)
		return nil, false
	}
}

// rawHeaderFallback manually reads the Merkle Tree Leaf header
// (Version:u8, MerkleLeafType:u8, Timestamp:u64be, LogEntryType:u16be). For
// an X509 entry whose u24 length prefix fits the remaining bytes, it returns
// the prefixed certificate bytes; otherwise it treats everything after the
// header as the leaf certificate's raw DER, absorbing minor encoding
// divergence between CT operators.
func rawHeaderFallback(leafBytes []byte, raw RawEntry) ([]byte, bool) {
	const headerLen = 1 + 1 + 8 + 2
	if len(leafBytes) < headerLen {
		log.Printf("debug: codec: leaf_input too short at %s/%d", raw.LogURL, raw.Index)
		return nil, false
	}
	entryType := binary.BigEndian.Uint16(leafBytes[10:12])
	rest := leafBytes[headerLen:]

	if entryType == 0 { // X509LogEntryType: length-prefixed Certificate{u24be, bytes}
		if len(rest) >= 3 {
			length := int(rest[0])<<16 | int(rest[1])<<8 | int(rest[2])
			if len(rest) >= 3+length {
				return rest[3 : 3+length], true
			}
		}
	}

	// Precert, or an X509 entry whose structured parse didn't fit: treat
	// the remainder as raw DER.
	if len(rest) == 0 {
		return nil, false
	}
	return rest, true
}

// buildAllDomains orders CN first (if non-empty), then each SAN DNS name,
// de-duplicated preserving first-seen order.
func buildAllDomains(cn string, sanDNSNames []string) []string {
	seen := make(map[string]struct{}, len(sanDNSNames)+1)
	var result []string

	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		result = append(result, name)
	}

	add(cn)
	for _, name := range sanDNSNames {
		add(name)
	}
	return result
}

func lowercaseHexSerial(serial *big.Int) string {
	if serial == nil {
		return ""
	}
	return serial.Text(16)
}

// dumpExtensions mirrors certlib.py's dump_extensions: every recognized
// extension is rendered as a short-name/value pair, and anything pyOpenSSL
// would have called "UNDEF" is skipped rather than surfaced under its raw
// OID.
func dumpExtensions(cert *ctx509.Certificate) map[string]string {
	extensions := make(map[string]string)

	if len(cert.DNSNames) > 0 || len(cert.IPAddresses) > 0 || len(cert.EmailAddresses) > 0 {
		extensions["subjectAltName"] = sanString(cert)
	}
	if cert.BasicConstraintsValid {
		extensions["basicConstraints"] = fmt.Sprintf("CA:%v", cert.IsCA)
	}
	if len(cert.AuthorityKeyId) > 0 {
		extensions["authorityKeyIdentifier"] = hex.EncodeToString(cert.AuthorityKeyId)
	}
	if len(cert.SubjectKeyId) > 0 {
		extensions["subjectKeyIdentifier"] = hex.EncodeToString(cert.SubjectKeyId)
	}
	if len(cert.CRLDistributionPoints) > 0 {
		extensions["crlDistributionPoints"] = strings.Join(cert.CRLDistributionPoints, ", ")
	}
	if len(cert.OCSPServer) > 0 || len(cert.IssuingCertificateURL) > 0 {
		extensions["authorityInfoAccess"] = strings.Join(append(append([]string{}, cert.OCSPServer...), cert.IssuingCertificateURL...), ", ")
	}

	for _, raw := range cert.Extensions {
		name, ok := extensionShortNames[raw.Id.String()]
		if !ok {
			continue // pyOpenSSL would report "UNDEF"; skip.
		}
		if _, already := extensions[name]; already {
			continue
		}
		extensions[name] = hex.EncodeToString(raw.Value)
	}

	return extensions
}

func sanString(cert *ctx509.Certificate) string {
	var parts []string
	for _, name := range cert.DNSNames {
		parts = append(parts, "DNS:"+name)
	}
	for _, ip := range cert.IPAddresses {
		parts = append(parts, "IP Address:"+ip.String())
	}
	for _, email := range cert.EmailAddresses {
		parts = append(parts, "email:"+email)
	}
	return strings.Join(parts, ", ")
}
