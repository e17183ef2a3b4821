package internal

type KeystrokeEvent struct {
	Key         string
	TimestampMs int64
}

type ScanToken struct {
	Raw        string
	Normalized string
}

type Disposition string

const (
	DispositionAccepted  Disposition = "ACCEPTED"
	DispositionDuplicate Disposition = "DUPLICATE"
	DispositionUnknown   Disposition = "UNKNOWN"
	DispositionNoise     Disposition = "NOISE"
)

type ScanResult struct {
	Disposition Disposition
	Code        string
	Message     string
}

type FeedbackKind string

const (
	FeedbackSuccess FeedbackKind = "success"
	FeedbackError   FeedbackKind = "error"
)

// Entity is the grouping a scan session runs against: a carrier when
// dispatching cages, a cage when loading parcels into it.
type Entity struct {
	ID   string
	Name string
}

type Asset struct {
	URI  string
	Name string
}

type Proofs struct {
	Photo        *Asset
	Signature    *Asset
	Registration string
}

type SubmitResult struct {
	Message string
}

type ManifestSource string

const (
	ManifestXLSX  ManifestSource = "xlsx"
	ManifestHTML  ManifestSource = "html"
	ManifestPDF   ManifestSource = "pdf"
	ManifestText  ManifestSource = "text"
	ManifestEmail ManifestSource = "eml"
)

type ManifestCode struct {
	Code   string
	Source ManifestSource
	Meta   map[string]any
}

type FetchedManifestMessage struct {
	Provider   string
	MessageID  string
	Subject    string
	From       string
	ReceivedAt string
	Raw        []byte
}

type ManifestRow struct {
	ID         int
	Provider   string
	MessageID  string
	Subject    string
	Sender     string
	ReceivedAt string
	Hash       string
	Status     string
	RawRef     string
	EntityID   *string
}

type SessionRow struct {
	ID           string
	Profile      string
	EntityID     string
	EntityName   string
	Status       string
	Registration *string
	PhotoRef     *string
	SignatureRef *string
	Message      *string
	CreatedAt    string
	UpdatedAt    string
}

type ScanEventRow struct {
	ID          int
	SessionID   string
	Code        string
	Disposition string
	Message     *string
	CreatedAt   string
}

type SessionExportRow struct {
	Seq         int
	Code        string
	Disposition string
	Message     string
	ScannedAt   string
}

type PendingSubmissionRow struct {
	ID           int
	Profile      string
	EntityID     string
	Codes        []string
	Registration string
	PhotoRef     string
	SignatureRef string
	Status       string
	Attempts     int
	LastError    *string
	CreatedAt    string
}
