package imscore

import (
	"bytes"
	"compress/zlib"

	"github.com/sirupsen/logrus"
)

// SAS event IDs. These are part of an inter-process wire contract with the
// service-assurance server and must not change.
const (
	SASEventTxHTTPReq            = 0x00003
	SASEventRxHTTPReq            = 0x00004
	SASEventTxHTTPRsp            = 0x00005
	SASEventRxHTTPRsp            = 0x00006
	SASEventHTTPReqError         = 0x00007
	SASEventHTTPRejectedOverload = 0x00008
	SASEventHTTPAbort            = 0x00009
	SASEventDiameterTx           = 0x0000F
	SASEventDiameterRx           = 0x00010
	SASEventDiameterTimeout      = 0x00011
	SASEventDNSLookup            = 0x00202
	SASEventDNSSuccess           = 0x00203
	SASEventDNSFailed            = 0x00204
	SASEventDNSNotFound          = 0x00205
	SASEventLoadMonitorAccepted  = 0x00500
	SASEventLoadMonitorRejected  = 0x00501
)

// SASBranchHeader is the correlating header sent on every outbound HTTP request.
// Its value is a freshly generated UUID string per request.
const SASBranchHeader = "X-SAS-HTTP-Branch-ID"

// SASEvent is a typed telemetry event. Static parameters are fixed-width
// integers, variable parameters are strings or opaque byte blobs. Blobs added
// with AddCompressedParam are deflated before transmission.
type SASEvent struct {
	ID           uint32
	StaticParams []uint32
	VarParams    [][]byte
}

// NewSASEvent returns an event with the given wire ID.
func NewSASEvent(id uint32) *SASEvent {
	return &SASEvent{ID: id}
}

// AddStaticParam appends a fixed-width integer parameter.
func (e *SASEvent) AddStaticParam(v uint32) *SASEvent {
	e.StaticParams = append(e.StaticParams, v)
	return e
}

// AddVarParam appends a variable-length string parameter.
func (e *SASEvent) AddVarParam(s string) *SASEvent {
	e.VarParams = append(e.VarParams, []byte(s))
	return e
}

// AddCompressedParam appends a variable-length parameter after zlib compression.
// Used for request and response bodies which can be large.
func (e *SASEvent) AddCompressedParam(b []byte) *SASEvent {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	w.Write(b)
	w.Close()
	e.VarParams = append(e.VarParams, buf.Bytes())
	return e
}

// SASSink receives typed telemetry events correlated by trail. The wire
// encoding and transport to the SAS server live outside this library.
type SASSink interface {
	Event(trail Trail, event *SASEvent)
}

// LogSAS writes SAS events to the package logger. It is the default sink for
// processes that have no SAS server configured.
type LogSAS struct{}

var _ SASSink = LogSAS{}

func (LogSAS) Event(trail Trail, event *SASEvent) {
	Log.WithFields(logrus.Fields{
		"trail":         trail,
		"event":         event.ID,
		"static-params": event.StaticParams,
		"var-params":    len(event.VarParams),
	}).Debug("sas-event")
}

// NopSAS discards all events.
type NopSAS struct{}

var _ SASSink = NopSAS{}

func (NopSAS) Event(Trail, *SASEvent) {}
