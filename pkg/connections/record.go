// Package connections aggregates per-request network telemetry into
// connection records, persists them in a local pending store, and flushes
// batches to the stats service. One record exists per request id; every
// interception event for that request folds into it.
package connections

import (
	"strings"

	"github.com/google/uuid"

	"github.com/schoolnet-labs/warden/pkg/urlutil"
)

// Record is one reportable connection. Field names match the stats
// service's ingest contract.
type Record struct {
	ID                  string   `json:"id"`
	AppFilteringDenied  bool     `json:"app_filtering_denied"`
	BypassCode          string   `json:"bypass_code"`
	BypassExpiryTime    int64    `json:"bypass_expiry_time"`
	CategoryID          string   `json:"categoryId"`
	DestIP              string   `json:"destIp"`
	DestPort            int      `json:"destPort"`
	Download            int64    `json:"download"`
	FinalObject         bool     `json:"final_connection_object"`
	HWAddress           string   `json:"hwAddress"`
	HTTPHost            string   `json:"httpHost"`
	HTTPRequestURIs     []string `json:"http_request_uris"`
	HTMLTitle           string   `json:"htmlTitle,omitempty"`
	Lifetime            int64    `json:"lifetime"`
	Packets             int64    `json:"packets"`
	Protocol            int      `json:"protocol"`
	SourceIP            string   `json:"sourceIp"`
	SubCategoryID       string   `json:"subCategoryId"`
	Tag                 string   `json:"tag"`
	Time                int64    `json:"time"`
	Upload              int64    `json:"upload"`
	User                string   `json:"user"`
	VerdictRule         string   `json:"verdict_application_rule"`
	Noise               bool     `json:"noise"`
	ReportingType       string   `json:"reportingType"`
	ExtensionConnection bool     `json:"extensionConnection"`
	VerdictIssued       bool     `json:"debug__chrome_verdict_issued"`
	RequestID           string   `json:"debug__chrome_requestId"`
	Agent               string   `json:"agent,omitempty"`
	AgentInsideNetwork  bool     `json:"agent_inside_network"`
}

// newRecord returns the baseline record for a request id. Upload starts at
// one so the ingest pipeline does not filter the record as empty.
func newRecord(requestID, sourceIP, user string) *Record {
	return &Record{
		ID:              uuid.NewString(),
		DestIP:          "0.0.0.0",
		FinalObject:     true,
		HTTPHost:        "0",
		HTTPRequestURIs: []string{},
		Packets:         1,
		SourceIP:        sourceIP,
		Upload:          1,
		User:            user,
		ReportingType:   "extension",
		RequestID:       requestID,
	}
}

// Header is one HTTP header observed on the request or response.
type Header struct {
	Name  string
	Value string
}

// Event is one interception hook firing for a request. A request typically
// produces several events before Completed.
type Event struct {
	RequestID       string
	URL             string
	Method          string
	Initiator       string
	IP              string
	FromCache       bool
	RequestHeaders  []Header
	ResponseHeaders []Header
	RequestBodySize int64
	SearchQuery     string
	TabTitle        string
	Completed       bool
}

// ReportingPolicy is what the gate needs from the runtime settings.
type ReportingPolicy interface {
	IsConnectionReportingEnabled() bool
	AdminDomain() string
}

// ShouldProcess decides whether an event is reportable: reporting on, a
// known user, and not browser-internal, localhost, or admin-domain traffic.
func ShouldProcess(policy ReportingPolicy, userFound bool, ev Event) bool {
	lower := strings.ToLower(ev.URL)
	return policy.IsConnectionReportingEnabled() &&
		userFound &&
		!strings.HasPrefix(lower, "chrome") &&
		urlutil.Hostname(ev.URL) != "localhost" &&
		!strings.Contains(lower, policy.AdminDomain()) &&
		!strings.HasPrefix(strings.ToLower(ev.Initiator), "chrome")
}
