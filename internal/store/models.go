package store

import (
	"time"

	"proofmark/api/internal/annotation"
)

// Meta is a proof's free-form metadata object.
type Meta map[string]any

// Clone returns a shallow copy.
func (m Meta) Clone() Meta {
	out := make(Meta, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type Proof struct {
	ID         string
	FileURL    string
	Meta       Meta
	Locked     bool
	ApprovedAt *time.Time
	CreatedAt  time.Time
}

// ProofVersion is an immutable revision of a proof.
type ProofVersion struct {
	ID             string
	ProofID        string
	SequenceNumber int
	FileURL        string
	Meta           Meta
	CreatedAt      time.Time
}

// VersionRecord is the wire shape of a revision.
type VersionRecord struct {
	ID             string `json:"id"`
	ProofID        string `json:"proofId"`
	SequenceNumber int    `json:"sequenceNumber"`
	FileRef        string `json:"fileRef"`
	Metadata       Meta   `json:"metadata"`
	CreatedAt      string `json:"createdAt"`
}

func (v ProofVersion) Record() VersionRecord {
	meta := v.Meta
	if meta == nil {
		meta = Meta{}
	}
	return VersionRecord{
		ID:             v.ID,
		ProofID:        v.ProofID,
		SequenceNumber: v.SequenceNumber,
		FileRef:        v.FileURL,
		Metadata:       meta,
		CreatedAt:      v.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// PageSet is the annotation list of one page of a revision.
type PageSet struct {
	Page        int
	Annotations []annotation.Annotation
	UpdatedAt   time.Time
}
