package chain

import (
	"fmt"

	"github.com/427h5dvrch-lang/human-origin/internal/canon"
	"github.com/427h5dvrch-lang/human-origin/internal/crypto"
	"github.com/427h5dvrch-lang/human-origin/internal/protocol"
)

// FailureKind classifies a verification failure.
type FailureKind string

const (
	FailIntegrity FailureKind = "integrity"
	FailSignature FailureKind = "signature"
	FailLink      FailureKind = "link"
	FailSeal      FailureKind = "seal"
	FailMaster    FailureKind = "master"
)

// Failure localizes one failed check.
type Failure struct {
	Kind      FailureKind `json:"kind"`
	Index     int         `json:"index"`
	CertID    string      `json:"cert_id,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Detail    string      `json:"detail"`
}

func (f Failure) Error() string {
	if f.CertID == "" {
		return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
	}
	return fmt.Sprintf("%s: certificate %s: %s", f.Kind, f.CertID, f.Detail)
}

// Report is the outcome of a verification pass. Failures are in chain order.
type Report struct {
	ProjectID  string    `json:"project_id"`
	Checked    int       `json:"checked"`
	OK         bool      `json:"ok"`
	MasterHash string    `json:"master_hash,omitempty"`
	Source     string    `json:"source,omitempty"`
	Failures   []Failure `json:"failures"`
	First      *Failure  `json:"first_failure,omitempty"`
}

// VerifyOptions enables the checks that need more than the chain itself.
type VerifyOptions struct {
	// Secret re-checks the authority seal of every authority-issued row.
	Secret []byte
	// ExpectedMasterHash is compared to the recomputed master hash.
	ExpectedMasterHash string
}

// Verify checks every certificate of a project and the links between them.
// It never mutates rows beyond sorting them.
func Verify(projectID string, rows []Row, opts VerifyOptions) Report {
	report := Report{ProjectID: projectID, Checked: len(rows), Failures: []Failure{}}
	SortRows(rows)

	prev := protocol.Genesis
	for i, r := range rows {
		fail := func(kind FailureKind, format string, args ...any) {
			report.Failures = append(report.Failures, Failure{
				Kind:      kind,
				Index:     i,
				CertID:    r.CertID,
				SessionID: r.SessionID,
				Detail:    fmt.Sprintf(format, args...),
			})
		}

		if r.Corrupt() {
			fail(FailIntegrity, "stored cert_json does not parse: %s", r.CertError)
			prev = r.PayloadHash
			continue
		}

		checkIntegrity(r, fail)
		checkSignature(r, fail)

		if got := r.PrevHash(); got != prev {
			fail(FailLink, "prev_session_hash %s does not match previous payload hash %s", got, prev)
		}
		prev = r.PayloadHash

		if len(opts.Secret) > 0 && !r.Local() && !sealValid(r, opts.Secret) {
			fail(FailSeal, "authority seal does not match")
		}
	}

	if master, err := BuildMaster(projectID, rows); err == nil {
		report.MasterHash = master.MasterHash
		report.Source = master.Source
		if opts.ExpectedMasterHash != "" && opts.ExpectedMasterHash != master.MasterHash {
			report.Failures = append(report.Failures, Failure{
				Kind:   FailMaster,
				Index:  len(rows),
				Detail: fmt.Sprintf("master hash %s does not match expected %s", master.MasterHash, opts.ExpectedMasterHash),
			})
		}
	} else if opts.ExpectedMasterHash != "" {
		report.Failures = append(report.Failures, Failure{
			Kind:   FailMaster,
			Detail: "expected a master hash but the chain is empty",
		})
	}

	report.OK = len(report.Failures) == 0
	if !report.OK {
		report.First = &report.Failures[0]
	}
	return report
}

type failFunc func(kind FailureKind, format string, args ...any)

// checkIntegrity recomputes the content hash of cert_json without its
// integrity and authority blocks.
func checkIntegrity(r Row, fail failFunc) {
	content := protocol.ContentOf(r.CertJSON)
	got := canon.Hash(content)

	certHash := r.CertHash
	if certHash == "" {
		certHash = r.CertJSON.StringAt(protocol.IntegrityKey, "cert_hash")
	}

	want := certHash
	if want == "" {
		want = r.PayloadHash
	}
	if got != want {
		fail(FailIntegrity, "content hash %s does not match stored %s", got, want)
	}

	if stored := r.CertJSON.StringAt(protocol.IntegrityKey, "payload_hash"); stored != r.PayloadHash {
		fail(FailIntegrity, "integrity block payload hash %s does not match %s", stored, r.PayloadHash)
	}

	tag := content.StringAt("protocol")
	if protocol.BindsPayloadHash(tag) && certHash != "" && certHash != r.PayloadHash {
		fail(FailIntegrity, "payload hash %s not bound to certificate hash %s", r.PayloadHash, certHash)
	}
}

// checkSignature re-verifies the device signature stored in the integrity
// block.
func checkSignature(r Row, fail failFunc) {
	env := protocol.DeviceSignature{
		Alg:       protocol.AlgEd25519,
		PublicKey: r.CertJSON.StringAt(protocol.IntegrityKey, "device_public_key"),
		Signature: r.CertJSON.StringAt(protocol.IntegrityKey, "device_signature"),
		KeyID:     r.CertJSON.StringAt(protocol.IntegrityKey, "device_key_id"),
	}
	if err := crypto.VerifyEnvelope(r.PayloadHash, env); err != nil {
		fail(FailSignature, "device signature: %v", err)
	}
}

// SealFieldsOf rebuilds the sealed fields from a stored certificate.
func SealFieldsOf(certJSON canon.Value) crypto.SealFields {
	meta := protocol.MetaOf(certJSON)
	return crypto.SealFields{
		Protocol:    certJSON.StringAt("protocol"),
		UserID:      meta.UserID,
		ProjectID:   meta.ProjectID,
		SessionID:   meta.SessionID,
		PayloadHash: certJSON.StringAt(protocol.IntegrityKey, "payload_hash"),
		CertHash:    certJSON.StringAt(protocol.IntegrityKey, "cert_hash"),
		ReceivedAt:  certJSON.StringAt(protocol.AuthorityKey, "server_received_at"),
	}
}

func sealValid(r Row, secret []byte) bool {
	msg := SealFieldsOf(r.CertJSON).Message()
	return crypto.VerifySeal(secret, msg, r.AuthoritySignature)
}
